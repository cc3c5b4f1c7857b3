// Package context implements kernel-thread context switching: the saved
// register/stack state of a suspended thread and the primitive that
// transfers CPU control from one such thread to another.
package context

import (
	"sync"
	"unsafe"

	"github.com/leesh7672/jotunheim/kernel/cpu"
)

// CpuContext is the saved state of a kernel thread that is not currently
// running on any CPU. Field order is part of the ABI shared with
// switch_amd64.s and must not be changed without updating the offsets
// there. Only callee-preserved registers are carried (the Open Question in
// spec §9 resolves in favor of this layout: it is sufficient for a
// procedure-call-ABI-compliant switch, and any caller needing to carry
// arbitrary state must extend and document the extension).
type CpuContext struct {
	R15, R14, R13, R12 uint64
	RBP, RBX           uint64
	RSP                uint64
	RIP                uint64
	RFlags             uint64
}

// Switch saves the callee-preserved register state, rsp, rip and rflags of
// the calling thread into prev, restores the same fields from next, and
// transfers control to next's saved rip on next's saved stack. It returns
// when some later Switch (or a TrapGate switch-on-return) targets prev
// again. prev must identify the running thread; next must identify a
// suspended thread whose stack is valid.
func Switch(prev, next *CpuContext)

// threadExit is called by threadStart if a thread's entry function
// returns, which its contract says should not happen. It is supplied by the
// external scheduler via SetThreadExit, analogous to how the teacher's
// goruntime package wires runtime symbols through package-level function
// variables rather than a go:linkname the core package doesn't control.
var threadExit func()

// SetThreadExit installs the routine run when an entry function returns. It
// must be called before any fresh CpuContext constructed by NewContext is
// ever switched to.
func SetThreadExit(fn func()) {
	threadExit = fn
}

// entryRegistry hands the thread trampoline an opaque key instead of a raw
// Go func value: a hand-written assembly trampoline cannot safely
// indirect-call an arbitrary closure's code pointer without also knowing
// whether it expects ABI0 or the register-based internal ABI, so the
// trampoline always calls the single, stable, ABI0 threadStart entry point
// below and threadStart resolves the key back to the real function.
var (
	entryRegistryMu sync.Mutex
	entryRegistry   = map[uintptr]func(uintptr){}
	nextEntryKey    uintptr
)

func registerEntry(fn func(uintptr)) uintptr {
	entryRegistryMu.Lock()
	defer entryRegistryMu.Unlock()
	nextEntryKey++
	k := nextEntryKey
	entryRegistry[k] = fn
	return k
}

// threadStart is the Go-visible target the assembly thread trampoline calls
// with (key, arg) taken verbatim from the two stack slots NewContext laid
// down. If the resolved entry function returns, threadStart falls through
// to the external thread-exit routine and halts if that routine returns
// too, since "falls off the end of a kernel thread" has no other sane
// outcome.
func threadStart(key, arg uintptr) {
	entryRegistryMu.Lock()
	fn := entryRegistry[key]
	delete(entryRegistry, key)
	entryRegistryMu.Unlock()

	if fn != nil {
		fn(arg)
	}

	if threadExit != nil {
		threadExit()
	}

	for {
		haltFn()
	}
}

// haltFn is a function-variable seam over cpu.Halt so tests can substitute a
// non-diverging stand-in instead of executing a real HLT instruction, which
// faults outside ring 0.
var haltFn = cpu.Halt

// addrOfThreadTrampoline exposes the trampoline's entry address for use as
// a fresh CpuContext's initial rip. It is implemented in switch_amd64.s as
// a LEAQ of the trampoline's label, mirroring the addrOf* idiom used for
// trap's gate stubs.
func addrOfThreadTrampoline() uintptr

// NewContext synthesizes a fresh CpuContext whose first resume lands at the
// thread trampoline, which in turn calls entry(arg). The stack slice must be
// the thread's entire, otherwise-unused stack region; its top (highest
// address) seeds the trampoline's initial frame.
func NewContext(stack []byte, entry func(uintptr), arg uintptr) *CpuContext {
	if len(stack) < 16 {
		panic("context: stack too small for a thread trampoline frame")
	}

	top := uintptr(unsafe.Pointer(&stack[len(stack)-1])) + 1
	top &^= 0xf // 16-byte align before laying down the initial frame

	key := registerEntry(entry)

	// Top of stack on first entry: argument first (popped first into the
	// first-argument register), entry key second (popped into scratch),
	// per spec §4.2's thread-trampoline convention.
	slot := top - 16
	*(*uintptr)(unsafe.Pointer(slot)) = arg
	*(*uintptr)(unsafe.Pointer(slot + 8)) = key

	return &CpuContext{
		RSP:    uint64(slot),
		RIP:    uint64(addrOfThreadTrampoline()),
		RFlags: 0x202, // IF set, reserved bit 1 set
	}
}
