package hub

import (
	"errors"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Size-class header field offsets (within a SizeClassHeaderSize=128 block).
const (
	classOffSlotSize        = 0
	classOffExtentSlotShift = 8
	classOffExtentCount     = 12 // atomic u32
	classOffFreeHead        = 16 // atomic u64, packed (tag<<32|index)
	classOffSlotAvailable   = 24 // atomic u32, doorbell signal counter
	classOffTotalSlots      = 32 // atomic u32
	classOffExtentTable     = 40 // MaxExtentsPerClass * 8 bytes (u64 offsets)
)

// Extent header field offsets.
const (
	extentOffSlotCount       = 0
	extentOffBaseGlobalIndex = 4
	extentOffMetaOffset      = 8
	extentOffDataOffset      = 12
)

// Slot metadata field offsets.
const (
	metaOffGeneration = 0 // atomic u32
	metaOffState      = 4 // atomic u32
	metaOffNextFree   = 8 // atomic u32
	metaOffOwnerPeer  = 12 // atomic u32
)

var (
	ErrNoFreeSlots      = errors.New("hub: no free slots in any fitting size class")
	ErrPayloadTooLarge  = errors.New("hub: payload exceeds largest size class")
	ErrStaleGeneration  = errors.New("hub: stale slot generation")
	ErrInvalidSizeClass = errors.New("hub: invalid size class")
	ErrInvalidSlotState = errors.New("hub: invalid slot state transition")
)

// sizeClassView is a view into one size class's header inside the segment.
type sizeClassView struct {
	seg *Segment
	off uint64
}

func (s *Segment) classView(_ int, off uint64) *sizeClassView {
	return &sizeClassView{seg: s, off: off}
}

func (c *sizeClassView) header() []byte { return c.seg.mem[c.off : c.off+SizeClassHeaderSize] }

func (c *sizeClassView) slotSize() uint32 { return getU32(c.header()[classOffSlotSize:]) }

func (c *sizeClassView) extentSlotShift() uint32 { return getU32(c.header()[classOffExtentSlotShift:]) }

func (c *sizeClassView) extentCountPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.seg.mem[c.off+classOffExtentCount]))
}

func (c *sizeClassView) freeHeadPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.seg.mem[c.off+classOffFreeHead]))
}

func (c *sizeClassView) slotAvailablePtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.seg.mem[c.off+classOffSlotAvailable]))
}

func (c *sizeClassView) totalSlotsPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.seg.mem[c.off+classOffTotalSlots]))
}

func (c *sizeClassView) extentOffsetPtr(extentID uint32) *uint64 {
	base := c.off + classOffExtentTable + uint64(extentID)*8
	return (*uint64)(unsafe.Pointer(&c.seg.mem[base]))
}

// init initializes a freshly-created size class header.
func (c *sizeClassView) init(slotSize uint32) {
	h := c.header()
	putU32(h[classOffSlotSize:], slotSize)
	atomic.StoreUint32(c.extentCountPtr(), 0)
	atomic.StoreUint64(c.freeHeadPtr(), packFreeHead(FreeListEnd, 0))
	atomic.StoreUint32(c.slotAvailablePtr(), 0)
	atomic.StoreUint32(c.totalSlotsPtr(), 0)
}

// initExtent lays out extent `extentID` at byte offset extentOffset with
// slotCount slots of slotSize bytes each, links its slot metas into one
// chain, and bulk-pushes that chain onto the class free list with a
// single CAS — mirroring hub_alloc.rs's init_extent_free_list.
func (c *sizeClassView) initExtent(seg *Segment, extentID uint32, extentOffset uint64, slotCount, slotSize uint32) {
	shift := uint32(bits.Len32(slotCount - 1))
	if slotCount == 1 {
		shift = 0
	}
	putU32(c.header()[classOffExtentSlotShift:], shift)

	metaOffset := uint32(ExtentHeaderSize)
	dataOffset := metaOffset + slotCount*SlotMetaSize

	eh := seg.mem[extentOffset : extentOffset+ExtentHeaderSize]
	putU32(eh[extentOffSlotCount:], slotCount)
	putU32(eh[extentOffBaseGlobalIndex:], extentID<<shift)
	putU32(eh[extentOffMetaOffset:], metaOffset)
	putU32(eh[extentOffDataOffset:], dataOffset)

	if slotCount == 0 {
		atomic.StoreUint64(c.extentOffsetPtr(extentID), extentOffset)
		atomic.StoreUint32(c.extentCountPtr(), extentID+1)
		return
	}

	for i := uint32(0); i < slotCount; i++ {
		meta := c.slotMetaRaw(seg, extentOffset, metaOffset, i)
		next := FreeListEnd
		if i+1 < slotCount {
			next = encodeGlobalIndex(extentID, i+1, shift)
		}
		atomic.StoreUint32(metaField(meta, metaOffGeneration), 0)
		atomic.StoreUint32(metaField(meta, metaOffState), uint32(SlotFree))
		atomic.StoreUint32(metaField(meta, metaOffNextFree), next)
		atomic.StoreUint32(metaField(meta, metaOffOwnerPeer), NoOwner)
	}

	first := encodeGlobalIndex(extentID, 0, shift)
	lastMeta := c.slotMetaRaw(seg, extentOffset, metaOffset, slotCount-1)

	for {
		oldHead := atomic.LoadUint64(c.freeHeadPtr())
		oldIndex, tag := unpackFreeHead(oldHead)

		atomic.StoreUint32(metaField(lastMeta, metaOffNextFree), oldIndex)

		newHead := packFreeHead(first, tag+1)
		if atomic.CompareAndSwapUint64(c.freeHeadPtr(), oldHead, newHead) {
			break
		}
	}

	atomic.StoreUint64(c.extentOffsetPtr(extentID), extentOffset)
	atomic.StoreUint32(c.extentCountPtr(), extentID+1)
	atomic.AddUint32(c.totalSlotsPtr(), slotCount)
}

func encodeGlobalIndex(extentID, slotInExtent, shift uint32) uint32 {
	return extentID<<shift | slotInExtent
}

func decodeGlobalIndex(globalIndex, shift uint32) (extentID, slotInExtent uint32) {
	mask := uint32(1)<<shift - 1
	if shift == 0 {
		mask = 0
	}
	return globalIndex >> shift, globalIndex & mask
}

func (c *sizeClassView) slotMetaRaw(seg *Segment, extentOffset uint64, metaOffset, slotInExtent uint32) []byte {
	base := extentOffset + uint64(metaOffset) + uint64(slotInExtent)*SlotMetaSize
	return seg.mem[base : base+SlotMetaSize]
}

func metaField(meta []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&meta[off]))
}

// slotMetaByGlobalIndex resolves an arbitrary global index within this
// class to its slot-meta window, looking up the owning extent.
func (c *sizeClassView) slotMetaByGlobalIndex(globalIndex uint32) ([]byte, error) {
	shift := c.extentSlotShift()
	extentID, slotInExtent := decodeGlobalIndex(globalIndex, shift)
	extentCount := atomic.LoadUint32(c.extentCountPtr())
	if extentID >= extentCount {
		return nil, errors.New("hub: global index references unknown extent")
	}
	extentOffset := atomic.LoadUint64(c.extentOffsetPtr(extentID))
	eh := c.seg.mem[extentOffset : extentOffset+ExtentHeaderSize]
	metaOffset := getU32(eh[extentOffMetaOffset:])
	return c.slotMetaRaw(c.seg, extentOffset, metaOffset, slotInExtent), nil
}

func (c *sizeClassView) slotDataByGlobalIndex(globalIndex uint32) ([]byte, error) {
	shift := c.extentSlotShift()
	extentID, slotInExtent := decodeGlobalIndex(globalIndex, shift)
	extentCount := atomic.LoadUint32(c.extentCountPtr())
	if extentID >= extentCount {
		return nil, errors.New("hub: global index references unknown extent")
	}
	extentOffset := atomic.LoadUint64(c.extentOffsetPtr(extentID))
	eh := c.seg.mem[extentOffset : extentOffset+ExtentHeaderSize]
	dataOffset := getU32(eh[extentOffDataOffset:])
	slotSize := c.slotSize()
	base := extentOffset + uint64(dataOffset) + uint64(slotInExtent)*uint64(slotSize)
	return c.seg.mem[base : base+uint64(slotSize)], nil
}

// FindClassForSize returns the smallest size class whose slot size is >=
// the requested payload size.
func (s *Segment) FindClassForSize(size int) (int, bool) {
	for i, spec := range DefaultSizeClasses {
		if int(spec.SlotSize) >= size {
			return i, true
		}
	}
	return 0, false
}

// Allocated identifies one allocated/in-flight hub slot.
type Allocated struct {
	Class       uint8
	GlobalIndex uint32
	Generation  uint32
}

// allocFromClass pops a slot from class's free list via the tagged
// Treiber stack, mirroring hub_alloc.rs's alloc_from_class exactly: CAS
// the packed head, verify+flip Free->Allocated, set owner, bump
// generation, retrying on a lost race or an inconsistent free list.
func (s *Segment) allocFromClass(class int, ownerPeer uint32) (uint32, uint32, error) {
	c := s.classes[class]
	for {
		oldHead := atomic.LoadUint64(c.freeHeadPtr())
		index, tag := unpackFreeHead(oldHead)
		if index == FreeListEnd {
			return 0, 0, ErrNoFreeSlots
		}

		meta, err := c.slotMetaByGlobalIndex(index)
		if err != nil {
			return 0, 0, err
		}
		next := atomic.LoadUint32(metaField(meta, metaOffNextFree))

		newHead := packFreeHead(next, tag+1)
		if !atomic.CompareAndSwapUint64(c.freeHeadPtr(), oldHead, newHead) {
			continue
		}

		if !atomic.CompareAndSwapUint32(metaField(meta, metaOffState), uint32(SlotFree), uint32(SlotAllocated)) {
			// Free list was inconsistent; push back and retry.
			s.pushFreeList(class, index)
			continue
		}

		atomic.StoreUint32(metaField(meta, metaOffOwnerPeer), ownerPeer)
		generation := atomic.AddUint32(metaField(meta, metaOffGeneration), 1)
		return index, generation, nil
	}
}

func (s *Segment) pushFreeList(class int, globalIndex uint32) {
	c := s.classes[class]
	meta, err := c.slotMetaByGlobalIndex(globalIndex)
	if err != nil {
		return
	}
	for {
		oldHead := atomic.LoadUint64(c.freeHeadPtr())
		oldIndex, tag := unpackFreeHead(oldHead)
		atomic.StoreUint32(metaField(meta, metaOffNextFree), oldIndex)
		newHead := packFreeHead(globalIndex, tag+1)
		if atomic.CompareAndSwapUint64(c.freeHeadPtr(), oldHead, newHead) {
			return
		}
	}
}

// Alloc allocates a slot big enough for size bytes, starting from the
// smallest fitting class and walking larger classes on exhaustion.
func (s *Segment) Alloc(size int, ownerPeer uint32) (Allocated, error) {
	startClass, ok := s.FindClassForSize(size)
	if !ok {
		return Allocated{}, ErrPayloadTooLarge
	}
	for class := startClass; class < NumSizeClasses; class++ {
		index, gen, err := s.allocFromClass(class, ownerPeer)
		if err == nil {
			return Allocated{Class: uint8(class), GlobalIndex: index, Generation: gen}, nil
		}
	}
	return Allocated{}, ErrNoFreeSlots
}

// MarkInFlight transitions a slot Allocated -> InFlight after its
// descriptor has been enqueued on a ring.
func (s *Segment) MarkInFlight(class uint8, globalIndex, expectedGen uint32) error {
	if int(class) >= NumSizeClasses {
		return ErrInvalidSizeClass
	}
	meta, err := s.classes[class].slotMetaByGlobalIndex(globalIndex)
	if err != nil {
		return err
	}
	if atomic.LoadUint32(metaField(meta, metaOffGeneration)) != expectedGen {
		return ErrStaleGeneration
	}
	if !atomic.CompareAndSwapUint32(metaField(meta, metaOffState), uint32(SlotAllocated), uint32(SlotInFlight)) {
		return ErrInvalidSlotState
	}
	return nil
}

// Free transitions a slot InFlight -> Free (receiver side, after
// consuming the payload), clears its owner, and pushes it back onto the
// class free list, signalling any allocator waiting on slotAvailable.
func (s *Segment) Free(class uint8, globalIndex, expectedGen uint32) error {
	return s.freeFromState(class, globalIndex, expectedGen, SlotInFlight)
}

// FreeAllocated frees a slot that was allocated but never sent (abort
// path): Allocated -> Free.
func (s *Segment) FreeAllocated(class uint8, globalIndex, expectedGen uint32) error {
	return s.freeFromState(class, globalIndex, expectedGen, SlotAllocated)
}

func (s *Segment) freeFromState(class uint8, globalIndex, expectedGen uint32, from SlotState) error {
	if int(class) >= NumSizeClasses {
		return ErrInvalidSizeClass
	}
	c := s.classes[class]
	meta, err := c.slotMetaByGlobalIndex(globalIndex)
	if err != nil {
		return err
	}
	if atomic.LoadUint32(metaField(meta, metaOffGeneration)) != expectedGen {
		return ErrStaleGeneration
	}
	if !atomic.CompareAndSwapUint32(metaField(meta, metaOffState), uint32(from), uint32(SlotFree)) {
		return ErrInvalidSlotState
	}
	atomic.StoreUint32(metaField(meta, metaOffOwnerPeer), NoOwner)
	s.pushFreeList(int(class), globalIndex)
	atomic.AddUint32(c.slotAvailablePtr(), 1)
	return nil
}

// SlotData returns the data bytes for an allocated/in-flight slot, after
// verifying its generation matches expectedGen: a receiver must never
// touch slot data without this check, since the sender's descriptor may
// reference a slot that was since reclaimed and reused. A slot that has
// been freed since the reference was taken is reported as
// ErrStaleGeneration as well.
func (s *Segment) SlotData(class uint8, globalIndex, expectedGen uint32) ([]byte, error) {
	if int(class) >= NumSizeClasses {
		return nil, ErrInvalidSizeClass
	}
	c := s.classes[class]
	meta, err := c.slotMetaByGlobalIndex(globalIndex)
	if err != nil {
		return nil, err
	}
	if atomic.LoadUint32(metaField(meta, metaOffGeneration)) != expectedGen {
		return nil, ErrStaleGeneration
	}
	if SlotState(atomic.LoadUint32(metaField(meta, metaOffState))) == SlotFree {
		return nil, ErrStaleGeneration
	}
	return c.slotDataByGlobalIndex(globalIndex)
}

// ReclaimPeerSlots force-frees every slot owned by deadPeer across all
// classes and extents, bumping each slot's generation so any in-flight
// descriptor referencing it becomes stale.
func (s *Segment) ReclaimPeerSlots(deadPeer uint32) {
	for class := 0; class < NumSizeClasses; class++ {
		c := s.classes[class]
		shift := c.extentSlotShift()
		extentCount := atomic.LoadUint32(c.extentCountPtr())

		for extentID := uint32(0); extentID < extentCount; extentID++ {
			extentOffset := atomic.LoadUint64(c.extentOffsetPtr(extentID))
			eh := s.mem[extentOffset : extentOffset+ExtentHeaderSize]
			slotCount := getU32(eh[extentOffSlotCount:])
			metaOffset := getU32(eh[extentOffMetaOffset:])

			for i := uint32(0); i < slotCount; i++ {
				globalIndex := encodeGlobalIndex(extentID, i, shift)
				meta := c.slotMetaRaw(s, extentOffset, metaOffset, i)

				if atomic.LoadUint32(metaField(meta, metaOffOwnerPeer)) != deadPeer {
					continue
				}

				atomic.StoreUint32(metaField(meta, metaOffState), uint32(SlotFree))
				atomic.AddUint32(metaField(meta, metaOffGeneration), 1)
				atomic.StoreUint32(metaField(meta, metaOffOwnerPeer), NoOwner)
				s.pushFreeList(class, globalIndex)
			}
		}
		atomic.AddUint32(c.slotAvailablePtr(), 1)
	}
}

// SlotStatus is a diagnostic snapshot of one size class's slot counts.
type SlotStatus struct {
	SlotSize  uint32
	Total     uint32
	Free      uint32
	Allocated uint32
	InFlight  uint32
}

// Status returns a per-class snapshot of slot states (one entry per size
// class, no aggregate entry), for diagnostics and tests.
func (s *Segment) Status() []SlotStatus {
	out := make([]SlotStatus, NumSizeClasses)
	for class := 0; class < NumSizeClasses; class++ {
		c := s.classes[class]
		shift := c.extentSlotShift()
		extentCount := atomic.LoadUint32(c.extentCountPtr())
		st := SlotStatus{SlotSize: c.slotSize()}

		for extentID := uint32(0); extentID < extentCount; extentID++ {
			extentOffset := atomic.LoadUint64(c.extentOffsetPtr(extentID))
			eh := s.mem[extentOffset : extentOffset+ExtentHeaderSize]
			slotCount := getU32(eh[extentOffSlotCount:])
			metaOffset := getU32(eh[extentOffMetaOffset:])
			st.Total += slotCount

			for i := uint32(0); i < slotCount; i++ {
				meta := c.slotMetaRaw(s, extentOffset, metaOffset, i)
				switch SlotState(atomic.LoadUint32(metaField(meta, metaOffState))) {
				case SlotFree:
					st.Free++
				case SlotAllocated:
					st.Allocated++
				case SlotInFlight:
					st.InFlight++
				}
			}
		}
		out[class] = st
		_ = shift
	}
	return out
}
