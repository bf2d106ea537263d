package mpu

// SimRegisterFile simulates the MPU register window for tests and host
// builds. It captures the RBAR/RASR pair per region and counts barrier
// executions. The region selected by the last RBAR write receives subsequent
// RASR writes, matching the hardware's RNR-via-VALID shortcut.
type SimRegisterFile struct {
	regionCount uint8
	ctrl        uint32
	rbar        []uint32
	rasr        []uint32
	selected    int

	// Barrier counters, exposed for tests asserting the enable/disable
	// bracketing.
	DataMemoryBarriers      int
	DataSyncBarriers        int
	InstructionSyncBarriers int
}

var _ RegisterFile = &SimRegisterFile{}

// NewSimRegisterFile returns a simulated window reporting regionCount data
// regions.
func NewSimRegisterFile(regionCount uint8) *SimRegisterFile {
	return &SimRegisterFile{
		regionCount: regionCount,
		rbar:        make([]uint32, regionCount),
		rasr:        make([]uint32, regionCount),
	}
}

func (s *SimRegisterFile) ReadTYPE() uint32 {
	return uint32(s.regionCount) << typeDRegionPos
}

func (s *SimRegisterFile) ReadCTRL() uint32 {
	return s.ctrl
}

func (s *SimRegisterFile) WriteCTRL(value uint32) {
	s.ctrl = value
}

func (s *SimRegisterFile) WriteRBAR(value uint32) {
	if value&(1<<rbarValidPos) != 0 {
		s.selected = int(value & rbarRegionMask)
	}
	if s.selected < len(s.rbar) {
		s.rbar[s.selected] = value
	}
}

func (s *SimRegisterFile) WriteRASR(value uint32) {
	if s.selected < len(s.rasr) {
		s.rasr[s.selected] = value
	}
}

func (s *SimRegisterFile) DataMemoryBarrier()      { s.DataMemoryBarriers++ }
func (s *SimRegisterFile) DataSyncBarrier()        { s.DataSyncBarriers++ }
func (s *SimRegisterFile) InstructionSyncBarrier() { s.InstructionSyncBarriers++ }

// Enabled reports whether the simulated MPU enable bit is set.
func (s *SimRegisterFile) Enabled() bool {
	return s.ctrl&ctrlEnableMask != 0
}

// RegionBaseAddress decodes the programmed base address of a region.
func (s *SimRegisterFile) RegionBaseAddress(region int) uint32 {
	return s.rbar[region] & rbarAddressMask
}

// RegionAccess decodes the programmed access permission of a region.
func (s *SimRegisterFile) RegionAccess(region int) AccessPermission {
	return AccessPermission((s.rasr[region] >> rasrAPPos) & rasrAPMask)
}

// RegionSizeCode decodes the programmed size code of a region.
func (s *SimRegisterFile) RegionSizeCode(region int) RegionSize {
	return RegionSize((s.rasr[region] >> rasrSizePos) & rasrSizeMask)
}

// RegionEnabled reports whether a region's enable bit is set.
func (s *SimRegisterFile) RegionEnabled(region int) bool {
	return s.rasr[region]&rasrEnableMask != 0
}

// RegionExecuteNever reports whether a region is marked execute-never.
func (s *SimRegisterFile) RegionExecuteNever(region int) bool {
	return s.rasr[region]&(1<<rasrXNPos) != 0
}

// CheckWrite models the data-access check the hardware performs for an
// unprivileged write: it returns true when the MPU is disabled, or when the
// highest-numbered enabled region covering addr permits unprivileged writes.
// The privileged default map is not modeled; callers exercise task accesses.
func (s *SimRegisterFile) CheckWrite(addr uint32) bool {
	if !s.Enabled() {
		return true
	}
	allowed := false
	for i := 0; i < int(s.regionCount); i++ {
		if !s.RegionEnabled(i) {
			continue
		}
		base := s.RegionBaseAddress(i)
		size := s.RegionSizeCode(i).SizeBytes()
		if uint64(addr) < uint64(base) || uint64(addr) >= uint64(base)+size {
			continue
		}
		// Higher region numbers take priority; the last covering region wins.
		allowed = s.RegionAccess(i) == AccessAllAllowed
	}
	return allowed
}
