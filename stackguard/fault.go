package stackguard

// StackFrame is the eight-word exception frame the processor stacks on fault
// entry.
type StackFrame struct {
	R0            uint32
	R1            uint32
	R2            uint32
	R3            uint32
	R12           uint32
	LR            uint32
	ReturnAddress uint32
	XPSR          uint32
}

// MemFaultHandler receives the faulting data address and the stacked
// exception frame of a detected stack overflow.
type MemFaultHandler func(faultAddress uint32, frame StackFrame)

// SystemControl reads the fault registers of the system control block. A
// hardware port maps CFSR/MMFAR and the CoreDebug halt bit; tests use
// SimSystemControl.
type SystemControl interface {
	// CFSR returns the Configurable Fault Status Register.
	CFSR() uint32
	// MMFAR returns the MemManage Fault Address Register, valid when the
	// MMARVALID/DACCVIOL status bits indicate a data access violation.
	MMFAR() uint32
	// DebuggerAttached reports the CoreDebug C_DEBUGEN halt bit.
	DebuggerAttached() bool
}

// CFSR bits of the memory-management fault status byte.
const (
	CfsrMemFaultMask uint32 = 0xFF
	CfsrDACCVIOL     uint32 = 1 << 1
	CfsrMMARVALID    uint32 = 1 << 7
)

// excReturnSPSel is the EXC_RETURN bit selecting the process stack pointer.
const excReturnSPSel uint32 = 1 << 2

// SelectStackFrame mirrors the exception-vector stub: EXC_RETURN bit 2 decides
// whether the fault stacked its frame on the main or the process stack.
func SelectStackFrame(excReturn uint32, msp, psp *StackFrame) *StackFrame {
	if excReturn&excReturnSPSel == 0 {
		return msp
	}
	return psp
}

// HandleMemFault decodes a memory-management fault. When the fault status
// carries a data access violation, the registered fault handler receives the
// faulting address and the stacked frame. Without a registered handler the
// debug-break hook runs if a debugger is attached.
//
// The exception vector itself is target code: it selects the active stack
// pointer per SelectStackFrame and tail-calls this routine.
func (g *Guard) HandleMemFault(frame *StackFrame) {
	if frame == nil || g.sysctl == nil {
		return
	}
	cfsr := g.sysctl.CFSR()
	if cfsr&CfsrMemFaultMask != 0 && cfsr&CfsrDACCVIOL != 0 {
		if g.memFault != nil {
			g.memFault(g.sysctl.MMFAR(), *frame)
			return
		}
	}
	if g.memFault == nil && g.sysctl.DebuggerAttached() && g.onBreak != nil {
		g.onBreak()
	}
}

// SimSystemControl is a settable SystemControl for tests and host builds.
type SimSystemControl struct {
	CfsrValue  uint32
	MmfarValue uint32
	Debugger   bool
}

var _ SystemControl = &SimSystemControl{}

func (s *SimSystemControl) CFSR() uint32           { return s.CfsrValue }
func (s *SimSystemControl) MMFAR() uint32          { return s.MmfarValue }
func (s *SimSystemControl) DebuggerAttached() bool { return s.Debugger }

// TriggerDataAccessViolation latches the fault state a blocked data access
// leaves behind: DACCVIOL with a valid fault address.
func (s *SimSystemControl) TriggerDataAccessViolation(addr uint32) {
	s.CfsrValue |= CfsrDACCVIOL | CfsrMMARVALID
	s.MmfarValue = addr
}

// Clear resets the latched fault state.
func (s *SimSystemControl) Clear() {
	s.CfsrValue = 0
	s.MmfarValue = 0
}
