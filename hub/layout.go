// Package hub implements the shared-memory hub substrate:
// segment layout, SPSC descriptor rings, a multi-class Treiber-stack slab
// allocator with ABA-safe tagged heads, doorbell signalling, and peer
// liveness/crash reclamation.
//
// Grounded on the original Rust implementation's hub_layout.rs/
// hub_alloc.rs/hub_session.rs (shm-primitives crate): the same segment
// layout, the same (tag<<32|index) packed free-list head, and the same
// acquire/release discipline, translated to Go's sync/atomic operating on
// a mmap'd byte region via unsafe.Pointer — the idiom used for raw,
// syscall-backed shared memory across the retrieval pack (e.g.
// other_examples/31c3f1e2_ehrlich-b-go-ublk__internal-queue-runner.go.go's
// pointerFromMmap helper over an io_uring descriptor ring).
package hub

import "encoding/binary"

// Magic is the hub segment's identifying magic, including the trailing
// NUL: "RAPAHUB\0".
var Magic = [8]byte{'R', 'A', 'P', 'A', 'H', 'U', 'B', 0}

// VersionMajor/VersionMinor identify the hub segment layout version.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// EncodeVersion packs major/minor the way describes:
// major<<16|minor.
func EncodeVersion(major, minor uint16) uint32 {
	return uint32(major)<<16 | uint32(minor)
}

// HeaderSize is the fixed size of the hub segment header.
const HeaderSize = 256

// PeerEntrySize is the fixed size of one peer table entry.
const PeerEntrySize = 128

// PeerFlags bits.
type PeerFlags uint32

const (
	PeerReserved PeerFlags = 0x1
	PeerActive   PeerFlags = 0x2
	PeerDead     PeerFlags = 0x4
)

// NoOwner marks a slot as currently unowned.
const NoOwner uint32 = 0xFFFFFFFF

// FreeListEnd is the sentinel global_index meaning "end of free list".
const FreeListEnd uint32 = 0xFFFFFFFF

// SlotState is a size-class slot's lifecycle state.
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotAllocated
	SlotInFlight
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "Free"
	case SlotAllocated:
		return "Allocated"
	case SlotInFlight:
		return "InFlight"
	default:
		return "Unknown"
	}
}

// SizeClassSpec describes one of the hub's fixed size classes.
type SizeClassSpec struct {
	SlotSize uint32
	Name     string
}

// DefaultSizeClasses are the typical N=5 size classes from // 1 KiB, 16 KiB, 256 KiB, 4 MiB, 16 MiB.
var DefaultSizeClasses = [5]SizeClassSpec{
	{SlotSize: 1 << 10, Name: "1KiB"},
	{SlotSize: 16 << 10, Name: "16KiB"},
	{SlotSize: 256 << 10, Name: "256KiB"},
	{SlotSize: 4 << 20, Name: "4MiB"},
	{SlotSize: 16 << 20, Name: "16MiB"},
}

// NumSizeClasses is len(DefaultSizeClasses).
const NumSizeClasses = 5

// SizeClassHeaderSize is the fixed on-disk size of one size-class header,
// including its extent offset table.
const SizeClassHeaderSize = 128

// MaxExtentsPerClass bounds the extent_offsets table inside a size-class
// header (append-only growth).
const MaxExtentsPerClass = 10

// ExtentHeaderSize is the fixed size of one extent's header.
const ExtentHeaderSize = 64

// SlotMetaSize is the fixed size of one slot's metadata record.
const SlotMetaSize = 32

// packFreeHead packs (index, tag) into the 64-bit Treiber-stack head word,
// matching hub_alloc.rs's pack_free_head: tag<<32 | index.
func packFreeHead(index, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

// unpackFreeHead is the inverse of packFreeHead.
func unpackFreeHead(head uint64) (index, tag uint32) {
	return uint32(head), uint32(head >> 32)
}

// DescRingHeaderSize is the fixed, cache-line-padded SPSC ring header size
//.
const DescRingHeaderSize = 192

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
