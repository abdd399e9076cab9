package wire

// Control verb ids, carried in method_id on channel 0. IDs 0-99 are the
// reserved control range (unknown ones are a protocol error); IDs >= 100
// are extension space and MUST be silently ignored.
const (
	ControlHello        uint32 = 0
	ControlOpenChannel  uint32 = 1
	ControlCloseChannel uint32 = 2
	ControlCancelChannel uint32 = 3
	ControlGrantCredits uint32 = 4
	ControlPing         uint32 = 5
	ControlPong         uint32 = 6
	ControlGoAway       uint32 = 7
)

// ExtensionControlRangeStart is the first control method id treated as
// forward-compatible extension space (silently ignored rather than a
// protocol error).
const ExtensionControlRangeStart uint32 = 100

// IsKnownControlVerb reports whether id names one of the 8 defined verbs.
func IsKnownControlVerb(id uint32) bool {
	return id <= ControlGoAway
}

// IsExtensionControlVerb reports whether id falls in the silently-ignored
// extension range (>= 100).
func IsExtensionControlVerb(id uint32) bool {
	return id >= ExtensionControlRangeStart
}

// ChannelKind classifies what a channel is used for.
type ChannelKind uint8

const (
	ChannelCall ChannelKind = iota
	ChannelStream
	ChannelTunnel
)

// Role identifies which side of a handshake a session plays; it also
// controls channel-id parity (odd = initiator, even = acceptor).
type Role uint8

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// Limits are the per-field negotiated session limits; the effective value
// of each field after handshake is the minimum of the two peers' values.
type Limits struct {
	MaxPayload      uint32 `msgpack:"max_payload" json:"max_payload"`
	MaxChannels     uint32 `msgpack:"max_channels" json:"max_channels"`
	InitialCredits  uint32 `msgpack:"initial_credits" json:"initial_credits"`
	MaxMessageSize  uint32 `msgpack:"max_message_size" json:"max_message_size"`
}

// Min returns the per-field minimum of a and b.
func (a Limits) Min(b Limits) Limits {
	return Limits{
		MaxPayload:     minU32(a.MaxPayload, b.MaxPayload),
		MaxChannels:    minU32(a.MaxChannels, b.MaxChannels),
		InitialCredits: minU32(a.InitialCredits, b.InitialCredits),
		MaxMessageSize: minU32(a.MaxMessageSize, b.MaxMessageSize),
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// MethodManifestEntry is one (name, id) pair advertised in a Hello.
type MethodManifestEntry struct {
	Name string `msgpack:"name" json:"name"`
	ID   uint32 `msgpack:"id" json:"id"`
}

// Param is a free-form (key, value) Hello parameter.
type Param struct {
	Key   string `msgpack:"key" json:"key"`
	Value string `msgpack:"value" json:"value"`
}

// Hello is the handshake payload exchanged on channel 0, method HELLO.
type Hello struct {
	ProtocolVersionMajor uint16                `msgpack:"protocol_version_major" json:"protocol_version_major"`
	ProtocolVersionMinor uint16                `msgpack:"protocol_version_minor" json:"protocol_version_minor"`
	Role                 Role                  `msgpack:"role" json:"role"`
	RequiredFeatures     uint64                `msgpack:"required_features" json:"required_features"`
	SupportedFeatures    uint64                `msgpack:"supported_features" json:"supported_features"`
	Limits               Limits                `msgpack:"limits" json:"limits"`
	Methods              []MethodManifestEntry `msgpack:"methods" json:"methods"`
	Params               []Param               `msgpack:"params" json:"params"`
}

// CloseReason is carried in CloseChannel.
type CloseReason struct {
	Normal bool   `msgpack:"normal" json:"normal"`
	Error  string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// CancelReason classifies why a channel was cancelled.
type CancelReason uint8

const (
	CancelClientCancel CancelReason = iota
	CancelDeadlineExceeded
	CancelResourceExhausted
)

// OpenChannelPayload is the OPEN_CHANNEL control payload.
type OpenChannelPayload struct {
	ChannelID      uint32      `msgpack:"channel_id" json:"channel_id"`
	Kind           ChannelKind `msgpack:"kind" json:"kind"`
	ServiceName    string      `msgpack:"service_name" json:"service_name"`
	MethodName     string      `msgpack:"method_name" json:"method_name"`
	Metadata       []Param     `msgpack:"metadata" json:"metadata"`
	InitialCredits uint32      `msgpack:"initial_credits" json:"initial_credits"`
	// Attach lists channel ids whose cancellation is cascaded from this
	// channel when it is itself a CALL channel.
	Attach []uint32 `msgpack:"attach,omitempty" json:"attach,omitempty"`
}

// CloseChannelPayload is the CLOSE_CHANNEL control payload.
type CloseChannelPayload struct {
	ChannelID uint32      `msgpack:"channel_id" json:"channel_id"`
	Reason    CloseReason `msgpack:"reason" json:"reason"`
}

// CancelChannelPayload is the CANCEL_CHANNEL control payload.
type CancelChannelPayload struct {
	ChannelID uint32       `msgpack:"channel_id" json:"channel_id"`
	Reason    CancelReason `msgpack:"reason" json:"reason"`
}

// GrantCreditsPayload is the GRANT_CREDITS control payload.
type GrantCreditsPayload struct {
	ChannelID uint32 `msgpack:"channel_id" json:"channel_id"`
	Bytes     uint32 `msgpack:"bytes" json:"bytes"`
}

// PingPayload/PongPayload carry an 8-byte opaque liveness token.
type PingPayload struct {
	Payload [8]byte `msgpack:"payload" json:"payload"`
}

type PongPayload struct {
	Payload [8]byte `msgpack:"payload" json:"payload"`
}

// GoAwayPayload is the GO_AWAY control payload: the sender will not open
// or accept any channel id past LastChannelID, and Reason explains why.
type GoAwayPayload struct {
	LastChannelID uint32 `msgpack:"last_channel_id" json:"last_channel_id"`
	Reason        string `msgpack:"reason,omitempty" json:"reason,omitempty"`
}
