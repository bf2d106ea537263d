// Package mpu programs the Cortex-M Memory Protection Unit through an
// abstract register window. The driver implements the Armv6/Armv7 RBAR/RASR
// programming model; the register window itself is supplied by the embedder,
// which keeps the hardware-specific register layout out of this package and
// makes the driver fully testable against a simulated window.
package mpu

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"

	"github.com/sheapguard/sheapguard/memutils"
)

var (
	ErrNoMPUAvailable                = cerrors.New("the hardware reports no mpu regions")
	ErrInvalidRegionAddress          = cerrors.New("region base address is not 32-byte aligned")
	ErrInvalidRegionAddressAlignment = cerrors.New("region base address is not naturally aligned to the region size")
	ErrInvalidRegionNumber           = cerrors.New("region number exceeds the hardware region count")
	ErrInvalidRegionSize             = cerrors.New("region size code is out of range")
)

// RegionSize encodes a power-of-two region size as written to the RASR size
// field: a code s selects 2^(s+1) bytes.
type RegionSize uint8

const (
	RegionSize32B   RegionSize = 0x04
	RegionSize64B   RegionSize = 0x05
	RegionSize128B  RegionSize = 0x06
	RegionSize256B  RegionSize = 0x07
	RegionSize512B  RegionSize = 0x08
	RegionSize1KB   RegionSize = 0x09
	RegionSize2KB   RegionSize = 0x0A
	RegionSize4KB   RegionSize = 0x0B
	RegionSize8KB   RegionSize = 0x0C
	RegionSize16KB  RegionSize = 0x0D
	RegionSize32KB  RegionSize = 0x0E
	RegionSize64KB  RegionSize = 0x0F
	RegionSize128KB RegionSize = 0x10
	RegionSize256KB RegionSize = 0x11
	RegionSize512KB RegionSize = 0x12
	RegionSize1MB   RegionSize = 0x13
	RegionSize2MB   RegionSize = 0x14
	RegionSize4MB   RegionSize = 0x15
	RegionSize8MB   RegionSize = 0x16
	RegionSize16MB  RegionSize = 0x17
	RegionSize32MB  RegionSize = 0x18
	RegionSize64MB  RegionSize = 0x19
	RegionSize128MB RegionSize = 0x1A
	RegionSize256MB RegionSize = 0x1B
	RegionSize512MB RegionSize = 0x1C
	RegionSize1GB   RegionSize = 0x1D
	RegionSize2GB   RegionSize = 0x1E
	RegionSize4GB   RegionSize = 0x1F

	regionSizeMin = RegionSize32B
	regionSizeMax = RegionSize4GB
)

// SizeBytes returns the region size in bytes.
func (s RegionSize) SizeBytes() uint64 {
	return uint64(1) << (uint(s) + 1)
}

// Valid reports whether the size code lies in the encodable range.
func (s RegionSize) Valid() bool {
	return s >= regionSizeMin && s <= regionSizeMax
}

// alignmentMask returns the mask of address bits that must be zero for a base
// address naturally aligned to the region size.
func (s RegionSize) alignmentMask() uint32 {
	return uint32((uint64(1) << (uint(s) + 1)) - 1)
}

// RegionSizeForBytes converts a byte count to its size code. The count must be
// a power of two between 32 bytes and 4 GiB.
func RegionSizeForBytes(sizeBytes uint32) (RegionSize, error) {
	if err := memutils.CheckPow2(sizeBytes, "region size"); err != nil {
		return 0, cerrors.CombineErrors(ErrInvalidRegionSize, err)
	}
	exp := bits.Len32(sizeBytes) - 1
	code := RegionSize(exp - 1)
	if !code.Valid() {
		return 0, cerrors.Wrapf(ErrInvalidRegionSize, "%d bytes encodes to size code %#x", sizeBytes, uint8(code))
	}
	return code, nil
}

// AccessPermission encodes the RASR AP field.
type AccessPermission uint8

const (
	AccessDenied               AccessPermission = 0x00
	AccessPrivilegedRW         AccessPermission = 0x01
	AccessPrivilegedRWUnprivRO AccessPermission = 0x02
	AccessAllAllowed           AccessPermission = 0x03
	AccessPrivilegedRO         AccessPermission = 0x05
	AccessPrivilegedROUnprivRO AccessPermission = 0x06
)

var accessPermissionMapping = map[AccessPermission]string{
	AccessDenied:               "AllAccessDenied",
	AccessPrivilegedRW:         "PrivilegedRW",
	AccessPrivilegedRWUnprivRO: "PrivilegedRWUnprivilegedRO",
	AccessAllAllowed:           "AllAccessAllowed",
	AccessPrivilegedRO:         "PrivilegedRO",
	AccessPrivilegedROUnprivRO: "PrivilegedROUnprivilegedRO",
}

func (p AccessPermission) String() string {
	return accessPermissionMapping[p]
}

// DefaultTEX is the standard type-extension field value for normal memory.
const DefaultTEX uint8 = 0x00

// Region describes one MPU region: its base address, size, access permission
// and memory attributes.
type Region struct {
	Address          uint32
	Enabled          bool
	Number           uint8
	SubregionDisable uint8
	Size             RegionSize
	Access           AccessPermission
	Cacheable        bool
	Bufferable       bool
	Shareable        bool
	TEX              uint8
	ExecuteNever     bool
}

// FillDefaults applies the attribute defaults for a task-stack region:
// enabled, cacheable, shareable, not bufferable, standard TEX, no subregion
// disable.
func (r *Region) FillDefaults() {
	r.Enabled = true
	r.Cacheable = true
	r.Bufferable = false
	r.Shareable = true
	r.TEX = DefaultTEX
	r.ExecuteNever = false
	r.SubregionDisable = 0
}

// DefaultRegion returns a placeholder region: 32 bytes at address zero with
// all access denied and the FillDefaults attributes, which leave it enabled.
func DefaultRegion(number uint8) Region {
	region := Region{
		Address: 0,
		Number:  number,
		Size:    RegionSize32B,
		Access:  AccessDenied,
	}
	region.FillDefaults()
	return region
}
