package mpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sheapguard/sheapguard/mpu"
)

func TestRegionSizeBytes(t *testing.T) {
	require.Equal(t, uint64(32), mpu.RegionSize32B.SizeBytes())
	require.Equal(t, uint64(1024), mpu.RegionSize1KB.SizeBytes())
	require.Equal(t, uint64(4)<<30, mpu.RegionSize4GB.SizeBytes())
}

func TestRegionSizeForBytes(t *testing.T) {
	size, err := mpu.RegionSizeForBytes(32)
	require.NoError(t, err)
	require.Equal(t, mpu.RegionSize32B, size)

	size, err = mpu.RegionSizeForBytes(4096)
	require.NoError(t, err)
	require.Equal(t, mpu.RegionSize4KB, size)

	_, err = mpu.RegionSizeForBytes(48)
	require.ErrorIs(t, err, mpu.ErrInvalidRegionSize)

	_, err = mpu.RegionSizeForBytes(16)
	require.ErrorIs(t, err, mpu.ErrInvalidRegionSize)
}

func TestDriverRegionCount(t *testing.T) {
	driver := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM3M4M7)
	require.Equal(t, 8, driver.RegionCount())
}

func TestDriverEnableDisable(t *testing.T) {
	regs := mpu.NewSimRegisterFile(8)
	driver := mpu.NewDriver(regs, mpu.VariantM3M4M7)

	require.False(t, driver.IsEnabled())
	require.NoError(t, driver.Enable())
	require.True(t, driver.IsEnabled())
	require.True(t, regs.Enabled())

	// enable is bracketed by sync barriers
	require.Equal(t, 1, regs.DataSyncBarriers)
	require.Equal(t, 1, regs.InstructionSyncBarriers)

	require.NoError(t, driver.Disable())
	require.False(t, driver.IsEnabled())
	require.Equal(t, 1, regs.DataMemoryBarriers)
}

func TestDriverNoRegions(t *testing.T) {
	driver := mpu.NewDriver(mpu.NewSimRegisterFile(0), mpu.VariantM3M4M7)
	require.ErrorIs(t, driver.Enable(), mpu.ErrNoMPUAvailable)
	require.ErrorIs(t, driver.Disable(), mpu.ErrNoMPUAvailable)

	region := mpu.DefaultRegion(0)
	require.ErrorIs(t, driver.ConfigureRegion(&region, false), mpu.ErrNoMPUAvailable)
}

func TestConfigureRegionProgramsRegisters(t *testing.T) {
	regs := mpu.NewSimRegisterFile(8)
	driver := mpu.NewDriver(regs, mpu.VariantM3M4M7)

	region := mpu.Region{
		Address: 0x20000000,
		Number:  3,
		Size:    mpu.RegionSize1KB,
		Access:  mpu.AccessAllAllowed,
	}
	region.FillDefaults()
	region.ExecuteNever = true

	require.NoError(t, driver.ConfigureRegion(&region, true))
	require.True(t, driver.IsEnabled())

	require.Equal(t, uint32(0x20000000), regs.RegionBaseAddress(3))
	require.Equal(t, mpu.AccessAllAllowed, regs.RegionAccess(3))
	require.Equal(t, mpu.RegionSize1KB, regs.RegionSizeCode(3))
	require.True(t, regs.RegionEnabled(3))
	require.True(t, regs.RegionExecuteNever(3))
}

func TestConfigureRegionWithoutActivationLeavesMPUOff(t *testing.T) {
	regs := mpu.NewSimRegisterFile(8)
	driver := mpu.NewDriver(regs, mpu.VariantM3M4M7)

	region := mpu.DefaultRegion(0)
	region.Address = 0x20000000

	require.NoError(t, driver.ConfigureRegion(&region, false))
	require.False(t, driver.IsEnabled())
}

func TestConfigureRegionRejectsUnalignedBase(t *testing.T) {
	driver := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM3M4M7)

	region := mpu.DefaultRegion(0)
	region.Address = 0x20000010

	require.ErrorIs(t, driver.ConfigureRegion(&region, false), mpu.ErrInvalidRegionAddress)
}

func TestConfigureRegionRequiresNaturalAlignmentOnArmv7(t *testing.T) {
	region := mpu.Region{
		Address: 0x20000020, // 32-byte aligned, but not 1 KiB aligned
		Number:  0,
		Size:    mpu.RegionSize1KB,
		Access:  mpu.AccessAllAllowed,
	}
	region.FillDefaults()

	armv7 := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM3M4M7)
	require.ErrorIs(t, armv7.ConfigureRegion(&region, false), mpu.ErrInvalidRegionAddressAlignment)

	armv6 := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM0Plus)
	require.NoError(t, armv6.ConfigureRegion(&region, false))
}

func TestConfigureRegionRejectsBadNumber(t *testing.T) {
	driver := mpu.NewDriver(mpu.NewSimRegisterFile(4), mpu.VariantM3M4M7)

	region := mpu.DefaultRegion(4)
	require.ErrorIs(t, driver.ConfigureRegion(&region, false), mpu.ErrInvalidRegionNumber)
}

func TestConfigureRegionRejectsBadSizeCode(t *testing.T) {
	driver := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM3M4M7)

	region := mpu.DefaultRegion(0)
	region.Size = mpu.RegionSize(0x03)
	require.ErrorIs(t, driver.ConfigureRegion(&region, false), mpu.ErrInvalidRegionSize)
}

func TestSimCheckWrite(t *testing.T) {
	regs := mpu.NewSimRegisterFile(8)
	driver := mpu.NewDriver(regs, mpu.VariantM3M4M7)

	region := mpu.Region{
		Address: 0x20000000,
		Number:  0,
		Size:    mpu.RegionSize1KB,
		Access:  mpu.AccessAllAllowed,
	}
	region.FillDefaults()
	require.NoError(t, driver.ConfigureRegion(&region, true))

	require.True(t, regs.CheckWrite(0x20000000))
	require.True(t, regs.CheckWrite(0x200003FF))
	require.False(t, regs.CheckWrite(0x20000400))

	region.Access = mpu.AccessDenied
	require.NoError(t, driver.ConfigureRegion(&region, true))
	require.False(t, regs.CheckWrite(0x20000000))
}
