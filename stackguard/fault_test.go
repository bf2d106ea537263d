package stackguard_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sheapguard/sheapguard/mpu"
	"github.com/sheapguard/sheapguard/stackguard"
)

func TestHandleMemFaultInvokesCallback(t *testing.T) {
	f := newFixture(t, 8, nil)

	f.sysctl.TriggerDataAccessViolation(0x20000040)
	frame := stackguard.StackFrame{R0: 1, R12: 2, LR: 3, ReturnAddress: 4}
	f.guard.HandleMemFault(&frame)

	require.Equal(t, uint32(0x20000040), f.faultAddr)
	require.Len(t, f.faultFrames, 1)
	require.Equal(t, frame, f.faultFrames[0])
}

func TestHandleMemFaultIgnoresNonDataViolations(t *testing.T) {
	f := newFixture(t, 8, nil)

	f.sysctl.CfsrValue = 0x100 // outside the memory-management status byte
	f.guard.HandleMemFault(&stackguard.StackFrame{})
	require.Empty(t, f.faultFrames)
}

func TestHandleMemFaultNilFrame(t *testing.T) {
	f := newFixture(t, 8, nil)
	f.sysctl.TriggerDataAccessViolation(0x20000000)
	f.guard.HandleMemFault(nil)
	require.Empty(t, f.faultFrames)
}

func TestHandleMemFaultBreaksWithoutCallback(t *testing.T) {
	broke := false
	sysctl := &stackguard.SimSystemControl{Debugger: true}

	config := stackguard.DefaultConfig()
	config.Logger = quietLogger()
	config.SystemControl = sysctl
	config.OnDebugBreak = func() { broke = true }

	driver := mpu.NewDriver(mpu.NewSimRegisterFile(8), mpu.VariantM3M4M7)
	guard, err := stackguard.NewGuard(driver, nil, config)
	require.NoError(t, err)

	sysctl.TriggerDataAccessViolation(0x20000000)
	guard.HandleMemFault(&stackguard.StackFrame{})
	require.True(t, broke)
}

func TestSelectStackFrame(t *testing.T) {
	msp := &stackguard.StackFrame{R0: 1}
	psp := &stackguard.StackFrame{R0: 2}

	require.Same(t, msp, stackguard.SelectStackFrame(0xFFFFFFF1, msp, psp))
	require.Same(t, psp, stackguard.SelectStackFrame(0xFFFFFFFD, msp, psp))
}
