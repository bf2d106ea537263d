// Package options loads and validates the one-time configuration of both
// subsystems. Embedders usually set the fields in code; host-side tools and
// test rigs can read them from a YAML file instead.
package options

import (
	"os"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"

	"github.com/sheapguard/sheapguard/memutils"
	"github.com/sheapguard/sheapguard/mpu"
	"github.com/sheapguard/sheapguard/sheap"
	"github.com/sheapguard/sheapguard/stackguard"
)

// Version of the library.
const Version = "0.1.2"

var (
	ErrInvalidPCLogSize  = cerrors.New("pc log size must be greater than zero")
	ErrInvalidStrategy   = cerrors.New("unknown allocation strategy")
	ErrInvalidMPUVariant = cerrors.New("unknown mpu variant")
)

// SheapOptions carries the allocator settings.
type SheapOptions struct {
	Enabled              bool   `yaml:"enabled"`
	ExtendedHeader       bool   `yaml:"extended_header"`
	PCLogSize            int    `yaml:"pc_log_size"`
	MinimumMallocSize    int    `yaml:"minimum_malloc_size"`
	CheckUnalignedOnFree bool   `yaml:"check_unaligned_on_free"`
	OverwriteOnFree      bool   `yaml:"overwrite_on_free"`
	OverwriteValue       byte   `yaml:"overwrite_value"`
	CallocValue          byte   `yaml:"calloc_value"`
	AllocationStrategy   string `yaml:"allocation_strategy"`
	MutexWaitTicks       int    `yaml:"mutex_wait_ticks"`
}

// StackguardOptions carries the stack-guard settings.
type StackguardOptions struct {
	Enabled        bool   `yaml:"enabled"`
	MPURegions     int    `yaml:"mpu_regions"`
	MPUVariant     string `yaml:"mpu_variant"`
	HaltOnMemFault bool   `yaml:"halt_on_mem_fault"`
	MutexWaitTicks int    `yaml:"mutex_wait_ticks"`
}

// CrcOptions overrides the integrity-tag CRC parameters. Zero values select
// the library defaults.
type CrcOptions struct {
	Poly16   uint16 `yaml:"poly16"`
	XorOut16 uint16 `yaml:"xor_out16"`
	Poly32   uint32 `yaml:"poly32"`
	XorOut32 uint32 `yaml:"xor_out32"`
}

// Options is the complete one-time option set.
type Options struct {
	SingleThreaded bool              `yaml:"single_threaded"`
	Sheap          SheapOptions      `yaml:"sheap"`
	Stackguard     StackguardOptions `yaml:"stackguard"`
	Crc            CrcOptions        `yaml:"crc"`
}

// tickDuration is the wall-clock length of one RTOS tick at the common 1 kHz
// tick rate.
const tickDuration = time.Millisecond

const (
	strategyFirstFit = "first-fit"

	variantM0Plus  = "m0plus"
	variantM3M4M7  = "m3-m4-m7"
	variantM23     = "m23"
	variantM33M35P = "m33-m35p"
)

// DefaultOptions mirrors the stock build configuration: both subsystems on,
// compact headers, first-fit, all free-time checks enabled, eight MPU regions
// on an Armv7-M part.
func DefaultOptions() Options {
	return Options{
		Sheap: SheapOptions{
			Enabled:              true,
			PCLogSize:            20,
			MinimumMallocSize:    4,
			CheckUnalignedOnFree: true,
			OverwriteOnFree:      true,
			OverwriteValue:       0xFF,
			AllocationStrategy:   strategyFirstFit,
			MutexWaitTicks:       100,
		},
		Stackguard: StackguardOptions{
			Enabled:        true,
			MPURegions:     8,
			MPUVariant:     variantM3M4M7,
			HaltOnMemFault: true,
			MutexWaitTicks: 100,
		},
		Crc: CrcOptions{
			Poly16:   memutils.Crc16DefaultPoly,
			XorOut16: memutils.Crc16DefaultXorOut,
			Poly32:   memutils.Crc32DefaultPoly,
			XorOut32: memutils.Crc32DefaultXorOut,
		},
	}
}

// ReadOptions loads an option set from a YAML file. Keys absent from the file
// keep their defaults.
func ReadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	buf, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err = yaml.Unmarshal(buf, &opts); err != nil {
		return opts, cerrors.Wrapf(err, "cannot parse options file %s", path)
	}
	return opts, opts.Validate()
}

// Validate rejects option combinations no build can honor.
func (o *Options) Validate() error {
	if o.Sheap.Enabled {
		if o.Sheap.PCLogSize <= 0 {
			return ErrInvalidPCLogSize
		}
		if o.Sheap.AllocationStrategy != strategyFirstFit {
			return cerrors.Wrapf(ErrInvalidStrategy, "%q", o.Sheap.AllocationStrategy)
		}
	}
	if o.Stackguard.Enabled {
		if _, err := o.MPUVariant(); err != nil {
			return err
		}
	}
	return nil
}

// MPUVariant resolves the configured register-layout variant.
func (o *Options) MPUVariant() (mpu.Variant, error) {
	switch o.Stackguard.MPUVariant {
	case variantM0Plus:
		return mpu.VariantM0Plus, nil
	case variantM3M4M7:
		return mpu.VariantM3M4M7, nil
	case variantM23:
		return mpu.VariantM23, nil
	case variantM33M35P:
		return mpu.VariantM33M35P, nil
	default:
		return 0, cerrors.Wrapf(ErrInvalidMPUVariant, "%q", o.Stackguard.MPUVariant)
	}
}

// SheapConfig projects the options onto an allocator configuration.
func (o *Options) SheapConfig() sheap.Config {
	config := sheap.DefaultConfig()
	if o.Sheap.ExtendedHeader {
		config.Layout = sheap.HeaderLayoutExtended
	}
	config.PCLogSize = o.Sheap.PCLogSize
	config.MinimumMallocSize = o.Sheap.MinimumMallocSize
	config.CheckUnalignedOnFree = o.Sheap.CheckUnalignedOnFree
	config.OverwriteOnFree = o.Sheap.OverwriteOnFree
	config.OverwriteValue = o.Sheap.OverwriteValue
	config.CallocValue = o.Sheap.CallocValue
	config.Crc16Poly = o.Crc.Poly16
	config.Crc16XorOut = o.Crc.XorOut16
	config.MutexWaitTimeout = time.Duration(o.Sheap.MutexWaitTicks) * tickDuration
	config.SingleThreaded = o.SingleThreaded
	return config
}

// StackguardConfig projects the options onto a stack-guard configuration.
func (o *Options) StackguardConfig() stackguard.Config {
	config := stackguard.DefaultConfig()
	config.MaxRegions = o.Stackguard.MPURegions
	config.MutexWaitTimeout = time.Duration(o.Stackguard.MutexWaitTicks) * tickDuration
	config.SingleThreaded = o.SingleThreaded
	return config
}
