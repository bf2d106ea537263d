package mpu

// Variant selects the MPU register-layout family the driver runs against. The
// driver programs the Armv6/Armv7 RBAR/RASR model; natural base alignment to
// the region size is required on Armv7 only.
type Variant uint32

const (
	VariantM0Plus Variant = iota
	VariantM3M4M7
	VariantM23
	VariantM33M35P
)

var variantMapping = map[Variant]string{
	VariantM0Plus:  "M0PLUS",
	VariantM3M4M7:  "M3_M4_M7",
	VariantM23:     "M23",
	VariantM33M35P: "M33_M35P",
}

func (v Variant) String() string {
	return variantMapping[v]
}

// requiresNaturalAlignment reports whether region bases must be aligned to the
// region size.
func (v Variant) requiresNaturalAlignment() bool {
	return v == VariantM3M4M7
}

// Driver programs MPU regions through a RegisterFile. It carries no state of
// its own beyond the window and the layout variant; every query reads the
// hardware.
type Driver struct {
	regs    RegisterFile
	variant Variant
}

func NewDriver(regs RegisterFile, variant Variant) *Driver {
	return &Driver{
		regs:    regs,
		variant: variant,
	}
}

// RegionCount returns the number of data regions the hardware supports.
func (d *Driver) RegionCount() int {
	return int((d.regs.ReadTYPE() >> typeDRegionPos) & typeDRegionMask)
}

// IsEnabled reports whether the MPU is currently enabled.
func (d *Driver) IsEnabled() bool {
	return d.regs.ReadCTRL()&ctrlEnableMask != 0
}

// Enable turns the MPU on with the privileged default memory map left
// enabled, so privileged code keeps running from regions it has not mapped.
func (d *Driver) Enable() error {
	if d.RegionCount() == 0 {
		return ErrNoMPUAvailable
	}
	d.regs.WriteCTRL((1 << ctrlPrivDefEnaPos) | ctrlEnableMask)
	d.regs.DataSyncBarrier()
	d.regs.InstructionSyncBarrier()
	return nil
}

// Disable turns the MPU off. Outstanding accesses are drained first so none
// retires under a permission that is about to be revoked.
func (d *Driver) Disable() error {
	if d.RegionCount() == 0 {
		return ErrNoMPUAvailable
	}
	d.regs.DataMemoryBarrier()
	d.regs.WriteCTRL(0)
	return nil
}

// ConfigureRegion validates and programs one region. The MPU is disabled for
// the register pair write; it is re-enabled only when activate is set, which
// lets a scheduler batch several region writes under a single disable.
// On a validation failure the registers are left untouched apart from the
// disable.
func (d *Driver) ConfigureRegion(region *Region, activate bool) error {
	if d.RegionCount() == 0 {
		return ErrNoMPUAvailable
	}
	if int(region.Number) >= d.RegionCount() {
		return ErrInvalidRegionNumber
	}
	if !region.Size.Valid() {
		return ErrInvalidRegionSize
	}
	if err := d.Disable(); err != nil {
		return err
	}
	if region.Address&addressAlign32Mask != 0 {
		return ErrInvalidRegionAddress
	}
	if d.variant.requiresNaturalAlignment() && region.Address&region.Size.alignmentMask() != 0 {
		return ErrInvalidRegionAddressAlignment
	}

	d.regs.WriteRBAR((region.Address & rbarAddressMask) | (1 << rbarValidPos) | uint32(region.Number&rbarRegionMask))
	d.regs.WriteRASR(encodeRASR(region))

	if activate {
		return d.Enable()
	}
	return nil
}

func encodeRASR(region *Region) uint32 {
	texScb := uint32(region.TEX&0x7) << 3
	if region.Shareable {
		texScb |= 1 << 2
	}
	if region.Cacheable {
		texScb |= 1 << 1
	}
	if region.Bufferable {
		texScb |= 1
	}

	rasr := (uint32(region.Access) & rasrAPMask) << rasrAPPos
	if region.ExecuteNever {
		rasr |= 1 << rasrXNPos
	}
	rasr |= texScb << rasrTexScbPos
	rasr |= uint32(region.SubregionDisable) << 8
	rasr |= (uint32(region.Size) & rasrSizeMask) << rasrSizePos
	if region.Enabled {
		rasr |= rasrEnableMask
	}
	return rasr
}
