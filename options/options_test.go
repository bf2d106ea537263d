package options_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/sheapguard/sheapguard/mpu"
	"github.com/sheapguard/sheapguard/options"
	"github.com/sheapguard/sheapguard/sheap"
)

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func TestDefaultOptionsValidate(t *testing.T) {
	opts := options.DefaultOptions()
	require.NoError(t, opts.Validate())

	variant, err := opts.MPUVariant()
	require.NoError(t, err)
	require.Equal(t, mpu.VariantM3M4M7, variant)
}

func TestValidateRejectsBadPCLogSize(t *testing.T) {
	opts := options.DefaultOptions()
	opts.Sheap.PCLogSize = 0
	require.ErrorIs(t, opts.Validate(), options.ErrInvalidPCLogSize)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	opts := options.DefaultOptions()
	opts.Sheap.AllocationStrategy = "best-fit"
	require.ErrorIs(t, opts.Validate(), options.ErrInvalidStrategy)
}

func TestValidateRejectsUnknownVariant(t *testing.T) {
	opts := options.DefaultOptions()
	opts.Stackguard.MPUVariant = "m99"
	require.ErrorIs(t, opts.Validate(), options.ErrInvalidMPUVariant)
}

func TestReadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sheapguard.yaml")
	content := []byte(`
sheap:
  enabled: true
  extended_header: true
  pc_log_size: 64
  minimum_malloc_size: 8
  check_unaligned_on_free: true
  overwrite_on_free: true
  overwrite_value: 0xAA
  allocation_strategy: first-fit
  mutex_wait_ticks: 50
stackguard:
  enabled: true
  mpu_regions: 4
  mpu_variant: m3-m4-m7
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	opts, err := options.ReadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 64, opts.Sheap.PCLogSize)
	require.Equal(t, byte(0xAA), opts.Sheap.OverwriteValue)
	require.Equal(t, 4, opts.Stackguard.MPURegions)

	config := opts.SheapConfig()
	require.Equal(t, sheap.HeaderLayoutExtended, config.Layout)
	require.Equal(t, 8, config.MinimumMallocSize)
	require.Equal(t, 50*time.Millisecond, config.MutexWaitTimeout)

	guardConfig := opts.StackguardConfig()
	require.Equal(t, 4, guardConfig.MaxRegions)
}

func TestReadOptionsMissingFile(t *testing.T) {
	_, err := options.ReadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOptionsDriveWorkingHeap(t *testing.T) {
	opts := options.DefaultOptions()
	config := opts.SheapConfig()
	config.Logger = quietTestLogger()

	heap := sheap.NewHeap(make([]byte, 512), config)
	p := heap.Allocate(16, 1)
	require.NotNil(t, p)
	heap.Free(p, 2)
	require.NoError(t, heap.Validate())
}
