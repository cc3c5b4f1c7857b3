// Package trap implements the interrupt/exception prologue and epilogue: it
// converts a CPU-delivered hardware frame into a uniform TrapFrame, routes it
// to a typed handler, and returns through iretq using whatever frame address
// the handler left behind (the switch-on-return mechanism used by preemptive
// scheduling).
package trap

import (
	"sync/atomic"

	"github.com/leesh7672/jotunheim/kernel/cpu"
	"github.com/leesh7672/jotunheim/kernel/kfmt"
)

// TrapFrame is the fixed-layout record built by a gate's prologue, mutated by
// the handler and consumed by the gate's epilogue. Field order is part of
// the ABI shared with trap_amd64.s and must not be changed without updating
// the offsets there.
type TrapFrame struct {
	// General registers, saved/restored verbatim by the gate.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RSI, RDI, RBP, RDX, RCX, RBX, RAX    uint64

	// Vector identifies which gate built this frame.
	Vector uint64

	// ErrorCode is the hardware-pushed error code for vectors that carry
	// one, zero otherwise.
	ErrorCode uint64

	// Hardware return state. RSP holds the address of the hardware frame
	// that the epilogue will iretq from; mutating it redirects resumption
	// to a different thread's frame (switch-on-return).
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Vector identifies an x86_64 interrupt/exception slot.
type Vector uint8

const (
	// DivideByZero occurs when dividing by zero via DIV/IDIV.
	DivideByZero = Vector(0)

	// NMI is raised for non-maskable hardware conditions.
	NMI = Vector(2)

	// Overflow occurs when INTO detects the overflow flag set.
	Overflow = Vector(4)

	// BoundRangeExceeded occurs when BOUND detects an out-of-range index.
	BoundRangeExceeded = Vector(5)

	// InvalidOpcode occurs when the CPU decodes an undefined opcode.
	InvalidOpcode = Vector(6)

	// DeviceNotAvailable occurs when an FPU/MMX/SSE instruction executes
	// while CR0.TS or CR0.EM is set.
	DeviceNotAvailable = Vector(7)

	// DoubleFault occurs when an exception occurs while servicing another
	// exception. Must be routed through an IST entry (§4.1 precondition).
	DoubleFault = Vector(8)

	// InvalidTSS occurs when the TSS references an invalid segment
	// selector.
	InvalidTSS = Vector(10)

	// SegmentNotPresent occurs when a gate is invoked with a not-present
	// stack segment selector.
	SegmentNotPresent = Vector(11)

	// StackSegmentFault occurs on a non-canonical stack access or a
	// stack-segment limit violation.
	StackSegmentFault = Vector(12)

	// GeneralProtectionFault occurs on a general protection violation.
	GeneralProtectionFault = Vector(13)

	// PageFault occurs when a page-table walk fails a presence or
	// protection check.
	PageFault = Vector(14)

	// FloatingPointException occurs for an unmasked x87 FP exception.
	FloatingPointException = Vector(16)

	// AlignmentCheck occurs when alignment checking is enabled and an
	// unaligned access is performed.
	AlignmentCheck = Vector(17)

	// MachineCheck occurs when the CPU detects an internal error.
	MachineCheck = Vector(18)

	// SIMDFloatingPointException occurs for an unmasked SSE exception
	// while CR4.OSXMMEXCPT is set.
	SIMDFloatingPointException = Vector(19)

	// TimerIRQ is the representative external interrupt vector used by
	// the switch-on-return scenario; the surrounding kernel remaps the
	// LAPIC timer to this vector.
	TimerIRQ = Vector(32)
)

// hasErrorCode reports whether the architecture pushes a hardware error
// code for v, which determines the gate shape (with-error vs no-error).
func hasErrorCode(v Vector) bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck:
		return true
	default:
		return false
	}
}

// Handler processes a trap. It may mutate any field of f, including RIP to
// resume elsewhere or RSP to redirect the epilogue's iretq to a different
// thread's frame (switch-on-return).
type Handler func(f *TrapFrame)

// handlers holds the installed Go-visible handler for every supported
// vector, indexed by vector number. A nil entry falls back to
// defaultHandler.
var handlers [256]Handler

// Install registers handler as the Go-level target for vector v. The IDT
// gate itself is installed separately by Init; Install only wires the
// dispatch table consulted by trapDispatch.
func Install(v Vector, handler Handler) {
	handlers[v] = handler
}

// unhandledLogged throttles the default handler's diagnostic to once, since
// a misrouted vector tends to fire repeatedly and flooding the console would
// itself starve the handler loop.
var unhandledLogged atomic.Bool

// defaultHandler is installed implicitly for any vector with no registered
// Handler. It logs once and returns, leaving the frame unmodified.
func defaultHandler(f *TrapFrame) {
	if !unhandledLogged.Swap(true) {
		kfmt.Printf("trap: unhandled vector %d error=%x rip=%x\n", f.Vector, f.ErrorCode, f.RIP)
	}
}

// HaltForever wraps a handler whose architectural contract is "must not
// return" (#DF, #MC). If the wrapped handler returns anyway, the CPU is
// halted rather than letting the gate's epilogue re-execute a bad frame.
func HaltForever(handler Handler) Handler {
	return func(f *TrapFrame) {
		handler(f)
		for {
			haltFn()
		}
	}
}

// trapDispatch is called by every gate entry stub with a pointer to the
// TrapFrame it built. It is the single Go-level entry point the assembly
// prologues call into.
func trapDispatch(f *TrapFrame) {
	h := handlers[f.Vector]
	if h == nil {
		h = defaultHandler
	}
	h(f)
}

// haltFn is a function-variable seam over cpu.Halt so tests can substitute a
// non-diverging stand-in.
var haltFn = cpu.Halt

// vectorOrder lists every vector the core installs a gate for, paired with
// the address of its assembly entry stub and its IST slot. It drives Init's
// IDT build; hasErrorCode classifies gate shapes on its own.
var vectorOrder = []struct {
	vector Vector
	entry  uintptr
	ist    uint8
}{
	{DivideByZero, addrOfGateDivideByZero(), 0},
	{NMI, addrOfGateNMI(), 0},
	{Overflow, addrOfGateOverflow(), 0},
	{BoundRangeExceeded, addrOfGateBoundRangeExceeded(), 0},
	{InvalidOpcode, addrOfGateInvalidOpcode(), 0},
	{DeviceNotAvailable, addrOfGateDeviceNotAvailable(), 0},
	{DoubleFault, addrOfGateDoubleFault(), 1},
	{InvalidTSS, addrOfGateInvalidTSS(), 0},
	{SegmentNotPresent, addrOfGateSegmentNotPresent(), 0},
	{StackSegmentFault, addrOfGateStackSegmentFault(), 0},
	{GeneralProtectionFault, addrOfGateGeneralProtectionFault(), 0},
	{PageFault, addrOfGatePageFault(), 0},
	{FloatingPointException, addrOfGateFloatingPointException(), 0},
	{AlignmentCheck, addrOfGateAlignmentCheck(), 0},
	{MachineCheck, addrOfGateMachineCheck(), 2},
	{SIMDFloatingPointException, addrOfGateSIMDFloatingPointException(), 0},
	{TimerIRQ, addrOfGateTimerIRQ(), 0},
}

// Init installs a gate for every vector in vectorOrder and loads the IDT.
// #DF and #MC are routed through IST entries 1 and 2 respectively (§4.1's
// "double-fault gate must use an interrupt-stack-table entry" precondition)
// and are wrapped in HaltForever so that a returning handler halts instead
// of re-entering a possibly-corrupt frame.
func Init() {
	Install(DoubleFault, HaltForever(defaultHandler))
	Install(MachineCheck, HaltForever(defaultHandler))

	for _, v := range vectorOrder {
		installGate(uint8(v.vector), v.entry, v.ist)
	}
	loadIDT()
}

// gateDivideByZero and its siblings are the raw assembly gate stubs defined
// in trap_amd64.s. They are never called from Go directly; only their
// addresses are taken, via the addrOfGate* helpers below.
func gateDivideByZero()
func gateNMI()
func gateOverflow()
func gateBoundRangeExceeded()
func gateInvalidOpcode()
func gateDeviceNotAvailable()
func gateDoubleFault()
func gateInvalidTSS()
func gateSegmentNotPresent()
func gateStackSegmentFault()
func gateGeneralProtectionFault()
func gatePageFault()
func gateFloatingPointException()
func gateAlignmentCheck()
func gateMachineCheck()
func gateSIMDFloatingPointException()
func gateTimerIRQ()

// addrOfGateDivideByZero and its siblings return the address of the
// corresponding assembly gate stub in trap_amd64.s. Each is implemented in
// assembly as a LEAQ of its stub's label, following the addrOf* idiom used
// by ring0's entry_amd64.go to obtain a raw code address without pulling in
// reflect.
func addrOfGateDivideByZero() uintptr
func addrOfGateNMI() uintptr
func addrOfGateOverflow() uintptr
func addrOfGateBoundRangeExceeded() uintptr
func addrOfGateInvalidOpcode() uintptr
func addrOfGateDeviceNotAvailable() uintptr
func addrOfGateDoubleFault() uintptr
func addrOfGateInvalidTSS() uintptr
func addrOfGateSegmentNotPresent() uintptr
func addrOfGateStackSegmentFault() uintptr
func addrOfGateGeneralProtectionFault() uintptr
func addrOfGatePageFault() uintptr
func addrOfGateFloatingPointException() uintptr
func addrOfGateAlignmentCheck() uintptr
func addrOfGateMachineCheck() uintptr
func addrOfGateSIMDFloatingPointException() uintptr
func addrOfGateTimerIRQ() uintptr

// installGate writes IDT entry vec so that it points at entry, using an
// interrupt gate (auto-clears IF on entry) at DPL 0. ist selects the
// interrupt-stack-table slot to switch to (0 disables the IST switch). The
// gate type is the same whether or not the vector carries a hardware error
// code; that distinction only affects how many words the stub itself pushes.
func installGate(vec uint8, entry uintptr, ist uint8)

// loadIDT populates the IDT register with the base and limit of the
// descriptor table maintained in assembly and executes LIDT.
func loadIDT()

// idtTable backs 256 16-byte gate descriptors. It is a plain byte array
// rather than a struct of descriptor fields because the descriptor's bit
// layout (split offset, selector, IST index, type/DPL/present byte) does
// not correspond to any natural Go field grouping; installGate writes it
// directly from assembly.
var idtTable [256 * 16]byte
