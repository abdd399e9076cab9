// Package conformance implements the external test harness that drives a
// live peer over a real network connection and checks it against Rapace's
// wire-level behavioral rules: handshake negotiation, credit flow control,
// cancellation, keepalive, and hub slot reclaim. Grounded on smux's own
// test suite style (table-driven cases each wired to a real connected
// pair) but packaged as a standalone registry + CLI rather than
// testing.T, since conformance cases exercise an arbitrary external
// process rather than in-process code.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// ErrUnsupportedEnv is returned by a Case's Run when the Env it was given
// doesn't carry what that case needs (e.g. a hub-transport case run
// without HubSegmentPath set). The CLI reports this distinctly from a
// failed assertion.
var ErrUnsupportedEnv = errors.New("conformance: environment missing required configuration for this case")

// Env is what a Case runs against: a dialer for the stream-transport cases,
// plus optional hub-transport configuration for cases that need shared
// memory instead of a socket.
type Env struct {
	Dial func(ctx context.Context) (DuplexConn, error)

	// HubSegmentPath, if set, names a hub segment file the subject has
	// already created (or will create) for hub-transport cases.
	HubSegmentPath string

	Logger zerolog.Logger
}

// DuplexConn is the minimal connection contract a Case needs; net.Conn
// satisfies it.
type DuplexConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Case is one named conformance scenario.
type Case struct {
	Category    string
	Name        string
	Description string
	// Rules lists the behavioral rules this case checks, surfaced by
	// --list --show-rules so a reader can see what failing a case means.
	Rules []string
	Run   func(ctx context.Context, env *Env) error
}

// FullName is "category.name", the identifier accepted by --case.
func (c Case) FullName() string { return c.Category + "." + c.Name }

var registry []Case

// Register adds a case to the global registry. Cases call this from an
// init() in cases.go; Register panics on a duplicate FullName since that
// can only be a programming error in this binary, never bad input.
func Register(c Case) {
	for _, existing := range registry {
		if existing.FullName() == c.FullName() {
			panic(fmt.Sprintf("conformance: duplicate case %q", c.FullName()))
		}
	}
	registry = append(registry, c)
}

// All returns every registered case, sorted by FullName.
func All() []Case {
	out := append([]Case(nil), registry...)
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// ByCategory returns every registered case in category, sorted by name.
func ByCategory(category string) []Case {
	var out []Case
	for _, c := range All() {
		if c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

// Categories returns the distinct category names present in the registry,
// sorted.
func Categories() []string {
	seen := map[string]struct{}{}
	for _, c := range registry {
		seen[c.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Find looks up a case by its "category.name" full name.
func Find(fullName string) (Case, bool) {
	for _, c := range registry {
		if c.FullName() == fullName {
			return c, true
		}
	}
	return Case{}, false
}
