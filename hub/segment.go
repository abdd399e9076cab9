package hub

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment header field offsets (fixed, see layout.go for field widths).
const (
	hdrOffMagic         = 0
	hdrOffVersion       = 8
	hdrOffMaxPeers      = 12
	hdrOffRingCapacity  = 16
	hdrOffPeerIDCounter = 24 // atomic u64
	hdrOffActivePeers   = 32 // atomic u32
	hdrOffPeerTableOff  = 40
	hdrOffRingRegionOff = 48
	hdrOffSizeClassOff  = 56
	hdrOffExtentRegion  = 64
	hdrOffCurrentSize   = 72 // atomic u64: next free byte for extent growth
)

var (
	ErrBadMagic       = errors.New("hub: bad segment magic")
	ErrBadVersion     = errors.New("hub: unsupported segment version")
	ErrSegmentTooSmall = errors.New("hub: segment too small for requested layout")
	ErrNoFreePeerSlot = errors.New("hub: no free peer table slot")
	ErrPeerNotFound   = errors.New("hub: peer not found")
)

// Segment is a mapped hub shared-memory region. The same struct is used by
// the host (which creates and initializes it) and by peers (which attach
// to an existing one).
type Segment struct {
	mem      []byte
	file     *os.File
	maxPeers uint32
	ringCap  uint32

	mu      sync.Mutex // guards append-only extent growth bookkeeping
	classes [NumSizeClasses]*sizeClassView
}

// u32At returns an *atomic-able* view over 4 bytes at offset off.
func (s *Segment) u32At(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) u64At(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) bytesAt(off uint64, n int) []byte {
	return s.mem[off : off+uint64(n)]
}

// CreateOptions configures a new hub segment.
type CreateOptions struct {
	MaxPeers          uint32
	RingCapacity      uint32 // must be a power of two
	SlotsPerSizeClass uint32 // initial extent slot count per class; must be a power of two
}

// Create maps a new backing file at path, lays out the header, peer
// table, ring region, size-class headers, and one initial extent per size
// class.
func Create(path string, opts CreateOptions) (*Segment, error) {
	if opts.RingCapacity == 0 || opts.RingCapacity&(opts.RingCapacity-1) != 0 {
		return nil, errors.New("hub: ring capacity must be a power of two")
	}

	ringRegionSize := uint64(opts.MaxPeers) * 2 * (DescRingHeaderSize + uint64(opts.RingCapacity)*64)
	sizeClassRegionSize := uint64(NumSizeClasses) * SizeClassHeaderSize

	peerTableOff := uint64(HeaderSize)
	ringRegionOff := peerTableOff + uint64(opts.MaxPeers)*PeerEntrySize
	sizeClassOff := ringRegionOff + ringRegionSize
	extentRegionOff := sizeClassOff + sizeClassRegionSize

	// One initial extent per class.
	var perClassExtentSize [NumSizeClasses]uint64
	total := extentRegionOff
	for i, spec := range DefaultSizeClasses {
		n := uint64(opts.SlotsPerSizeClass)
		size := uint64(ExtentHeaderSize) + n*SlotMetaSize + n*uint64(spec.SlotSize)
		perClassExtentSize[i] = size
		total += size
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hub: open backing file: %w", err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hub: truncate backing file: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hub: mmap: %w", err)
	}

	s := &Segment{mem: mem, file: f, maxPeers: opts.MaxPeers, ringCap: opts.RingCapacity}

	copy(s.mem[hdrOffMagic:], Magic[:])
	putU32(s.bytesAt(hdrOffVersion, 4), EncodeVersion(VersionMajor, VersionMinor))
	putU32(s.bytesAt(hdrOffMaxPeers, 4), opts.MaxPeers)
	putU32(s.bytesAt(hdrOffRingCapacity, 4), opts.RingCapacity)
	atomic.StoreUint64(s.u64At(hdrOffPeerIDCounter), 0)
	atomic.StoreUint32(s.u32At(hdrOffActivePeers), 0)
	putU64(s.bytesAt(hdrOffPeerTableOff, 8), peerTableOff)
	putU64(s.bytesAt(hdrOffRingRegionOff, 8), ringRegionOff)
	putU64(s.bytesAt(hdrOffSizeClassOff, 8), sizeClassOff)
	putU64(s.bytesAt(hdrOffExtentRegion, 8), extentRegionOff)
	atomic.StoreUint64(s.u64At(hdrOffCurrentSize), total)

	// Initialize rings (all peer slots, both directions) as empty.
	for p := uint32(0); p < opts.MaxPeers; p++ {
		sendOff := ringRegionOff + uint64(p)*2*(DescRingHeaderSize+uint64(opts.RingCapacity)*64)
		recvOff := sendOff + DescRingHeaderSize + uint64(opts.RingCapacity)*64
		s.initRingHeader(sendOff, opts.RingCapacity)
		s.initRingHeader(recvOff, opts.RingCapacity)
	}

	// Initialize size-class headers and their first extent.
	extentCursor := extentRegionOff
	for i, spec := range DefaultSizeClasses {
		classOff := sizeClassOff + uint64(i)*SizeClassHeaderSize
		view := s.classView(i, classOff)
		view.init(spec.SlotSize)

		extentOff := extentCursor
		extentCursor += perClassExtentSize[i]
		view.initExtent(s, 0, extentOff, opts.SlotsPerSizeClass, spec.SlotSize)
		s.classes[i] = view
	}

	return s, nil
}

// Open attaches to an existing hub segment backed by path, mapping the
// whole file at the size its stat reports. It checks the magic and major
// version; the current size recorded in the header is not consulted.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hub: open backing file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hub: mmap: %w", err)
	}

	if string(mem[hdrOffMagic:hdrOffMagic+8]) != string(Magic[:]) {
		unix.Munmap(mem)
		f.Close()
		return nil, ErrBadMagic
	}
	version := getU32(mem[hdrOffVersion : hdrOffVersion+4])
	if version>>16 != uint32(VersionMajor) {
		unix.Munmap(mem)
		f.Close()
		return nil, ErrBadVersion
	}

	maxPeers := getU32(mem[hdrOffMaxPeers : hdrOffMaxPeers+4])
	ringCap := getU32(mem[hdrOffRingCapacity : hdrOffRingCapacity+4])

	s := &Segment{mem: mem, file: f, maxPeers: maxPeers, ringCap: ringCap}

	sizeClassOff := getU64(mem[hdrOffSizeClassOff : hdrOffSizeClassOff+8])
	for i := 0; i < NumSizeClasses; i++ {
		classOff := sizeClassOff + uint64(i)*SizeClassHeaderSize
		s.classes[i] = s.classView(i, classOff)
	}

	return s, nil
}

// Close unmaps the segment and closes its backing file.
func (s *Segment) Close() error {
	if err := unix.Munmap(s.mem); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *Segment) MaxPeers() uint32     { return s.maxPeers }
func (s *Segment) RingCapacity() uint32 { return s.ringCap }

func (s *Segment) peerTableOffset() uint64 {
	return getU64(s.mem[hdrOffPeerTableOff : hdrOffPeerTableOff+8])
}

func (s *Segment) ringRegionOffset() uint64 {
	return getU64(s.mem[hdrOffRingRegionOff : hdrOffRingRegionOff+8])
}

func (s *Segment) peerEntryOffset(peerIndex uint32) uint64 {
	return s.peerTableOffset() + uint64(peerIndex)*PeerEntrySize
}
