package hub

// Descriptors carry a single payload_slot word, so a hub slot reference
// packs its size class into the top 3 bits (room for up to 8 classes,
// more than NumSizeClasses ever needs) and the global index into the
// low 29 bits.
const (
	slotRefClassShift = 29
	slotRefIndexMask  = 1<<slotRefClassShift - 1
)

// EncodeSlotRef packs (class, globalIndex) into one descriptor
// payload_slot word.
func EncodeSlotRef(class uint8, globalIndex uint32) uint32 {
	return uint32(class)<<slotRefClassShift | (globalIndex & slotRefIndexMask)
}

// DecodeSlotRef is the inverse of EncodeSlotRef.
func DecodeSlotRef(packed uint32) (class uint8, globalIndex uint32) {
	return uint8(packed >> slotRefClassShift), packed & slotRefIndexMask
}
