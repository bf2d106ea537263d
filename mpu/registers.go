package mpu

// RegisterFile is the window onto the MPU register block. A hardware port
// implements it over the memory-mapped registers at the system control space;
// tests and host builds use SimRegisterFile. The barrier methods map to the
// DMB/DSB/ISB instructions and may be no-ops where the target does not
// reorder.
type RegisterFile interface {
	// ReadTYPE returns the MPU_TYPE register; bits 15:8 carry the number of
	// supported data regions.
	ReadTYPE() uint32
	// ReadCTRL returns the MPU_CTRL register.
	ReadCTRL() uint32
	// WriteCTRL stores the MPU_CTRL register.
	WriteCTRL(value uint32)
	// WriteRBAR stores the region base address register. With the VALID bit
	// set the write also selects the region number carried in bits 3:0.
	WriteRBAR(value uint32)
	// WriteRASR stores the region attribute and size register for the region
	// selected by the last RBAR write.
	WriteRASR(value uint32)

	// DataMemoryBarrier orders outstanding memory accesses before the MPU is
	// reconfigured.
	DataMemoryBarrier()
	// DataSyncBarrier completes outstanding accesses after reconfiguration.
	DataSyncBarrier()
	// InstructionSyncBarrier flushes the pipeline so following instructions
	// run under the new memory map.
	InstructionSyncBarrier()
}

// Register field positions and masks of the Armv7-M programming model.
const (
	typeDRegionPos  = 8
	typeDRegionMask = 0xFF

	ctrlEnableMask    = 0x1
	ctrlPrivDefEnaPos = 2

	rbarValidPos       = 4
	rbarRegionMask     = 0xF
	rbarAddressMask    = ^uint32(0x1F)
	addressAlign32Mask = 0x1F

	rasrEnableMask = 0x1
	rasrSizePos    = 1
	rasrSizeMask   = 0x1F
	rasrTexScbPos  = 16
	rasrAPPos      = 24
	rasrAPMask     = 0x7
	rasrXNPos      = 28
)
