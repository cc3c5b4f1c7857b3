// Package apboot constructs the handoff record and position-independent
// real-mode-to-long-mode trampoline used to bring a secondary CPU (AP) from
// its post-SIPI 16-bit state into the kernel's 64-bit environment.
package apboot

import (
	"time"
	"unsafe"

	"github.com/leesh7672/jotunheim/kernel"
)

// Handoff is the physically-addressed, fixed-layout block shared between
// the BSP and one bringing-up AP. Field offsets are fixed by spec, checked
// in apboot_amd64_test.go, and hard-coded in trampoline_amd64.s's loads:
//
//	0x00  ready_flag (4 bytes, AP writes 1 on reaching 64-bit mode)
//	0x08  cr3        (8 bytes, physical address of the page-table root)
//	0x20  stack_top  (8 bytes, virtual address, top of the per-AP stack)
//	0x28  entry64    (8 bytes, virtual address of the AP's kernel entry)
//	0x30  hhdm       (8 bytes, higher-half direct-map base)
//
// The 0x04-0x07 and 0x10-0x1f ranges are reserved padding with no defined
// meaning; the trampoline never reads them.
type Handoff struct {
	ReadyFlag uint32
	_         uint32
	CR3       uint64
	_         [2]uint64
	StackTop  uint64
	Entry64   uint64
	HHDM      uint64
}

// New allocates and fills a Handoff. ReadyFlag starts at zero; the AP sets
// it to 1 once it reaches entry64.
func New(cr3, stackTop, entry64, hhdm uint64) *Handoff {
	return &Handoff{
		CR3:      cr3,
		StackTop: stackTop,
		Entry64:  entry64,
		HHDM:     hhdm,
	}
}

// PhysAddr returns the address the BSP must patch into the trampoline's two
// patch points before copying the image to a low physical page. Callers on
// real hardware pass the physical address of h's backing memory (this
// package does not itself manage physical/virtual translation, which spec
// §1 places outside the core).
func PhysAddr(h *Handoff) uintptr {
	return uintptr(unsafe.Pointer(h))
}

// ready reports whether the AP has signalled that it reached entry64. It is
// a plain, non-atomic load: the AP writes ReadyFlag from a
// different CPU with no shared lock, so ordinary field access would be a
// data race under any formal memory model, but the spec's concurrency model
// (§5) places no ordering requirement beyond "observed at some point",
// which a plain load satisfies on x86's total-store-order memory model.
func ready(h *Handoff) bool {
	return h.ReadyFlag == 1
}

var errApBootTimeout = &kernel.Error{Module: "apboot", Message: "AP did not signal ready before the deadline"}

// Await polls h.ReadyFlag until it observes readiness or timeout elapses,
// per spec §5: "AP bring-up failure is detected by the BSP polling
// ready_flag with an external timeout." It is meant to be called by the
// BSP after issuing INIT/SIPI IPIs, typically from the surrounding kernel's
// SMP bring-up sequence. cmd/apwatch does not call it; it polls a
// file-backed Handoff with its own loop.
func Await(h *Handoff, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ready(h) {
			return nil
		}
		if time.Now().After(deadline) {
			return errApBootTimeout
		}
		time.Sleep(time.Microsecond * 50)
	}
}

// Image returns the raw bytes of the AP trampoline along with the byte
// offsets (relative to the start of the returned slice) of its three patch
// points. patchStack must be overwritten with the physical address of the
// top of a dedicated, identity-mapped scratch stack before the image
// reaches 32-bit protected mode, which has no stack of its own until one is
// supplied; patch32 must be overwritten with the low 32 bits of the
// Handoff's physical address before the same point, so the trampoline can
// load CR3 from it; patch64 must be overwritten with the full 64-bit
// physical address of the Handoff before the image reaches 64-bit long
// mode. The BSP is responsible for copying the returned bytes to a
// firmware-chosen low physical page and performing all three patches
// there, since the patch points are meaningless until the image is at its
// final load address.
func Image() (image []byte, patchStack int, patch32 int, patch64 int) {
	start := addrOfApTrampStart()
	end := addrOfApTrampEnd()
	pStack := addrOfApTrampPatchStack()
	p32 := addrOfApTrampPatch32()
	p64 := addrOfApTrampPatch64()

	length := int(end - start)
	image = unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	patchStack = int(pStack - start)
	patch32 = int(p32 - start)
	patch64 = int(p64 - start)
	return image, patchStack, patch32, patch64
}

func addrOfApTrampStart() uintptr
func addrOfApTrampEnd() uintptr
func addrOfApTrampPatchStack() uintptr
func addrOfApTrampPatch32() uintptr
func addrOfApTrampPatch64() uintptr
