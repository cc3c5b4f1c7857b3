package apboot

import (
	"testing"
	"time"
	"unsafe"
)

func TestHandoffLayout(t *testing.T) {
	var h Handoff

	if got := unsafe.Sizeof(h); got != 0x38 {
		t.Fatalf("expected Handoff to be 0x38 bytes, got %#x", got)
	}

	offsets := []struct {
		name string
		want uintptr
		got  uintptr
	}{
		{"ReadyFlag", 0x00, unsafe.Offsetof(h.ReadyFlag)},
		{"CR3", 0x08, unsafe.Offsetof(h.CR3)},
		{"StackTop", 0x20, unsafe.Offsetof(h.StackTop)},
		{"Entry64", 0x28, unsafe.Offsetof(h.Entry64)},
		{"HHDM", 0x30, unsafe.Offsetof(h.HHDM)},
	}

	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("field %s: expected offset %#x, got %#x", o.name, o.want, o.got)
		}
	}
}

func TestNewPopulatesFields(t *testing.T) {
	h := New(0xcafe000, 0x7ffff000, 0xffff800000100000, 0xffff800000000000)

	if h.CR3 != 0xcafe000 {
		t.Errorf("expected CR3 0xcafe000, got %#x", h.CR3)
	}
	if h.StackTop != 0x7ffff000 {
		t.Errorf("expected StackTop 0x7ffff000, got %#x", h.StackTop)
	}
	if h.Entry64 != 0xffff800000100000 {
		t.Errorf("expected Entry64 0xffff800000100000, got %#x", h.Entry64)
	}
	if h.HHDM != 0xffff800000000000 {
		t.Errorf("expected HHDM 0xffff800000000000, got %#x", h.HHDM)
	}
	if h.ReadyFlag != 0 {
		t.Errorf("expected ReadyFlag to start at 0, got %d", h.ReadyFlag)
	}
}

func TestPhysAddrMatchesPointer(t *testing.T) {
	h := New(0, 0, 0, 0)
	want := uintptr(unsafe.Pointer(h))
	if got := PhysAddr(h); got != want {
		t.Fatalf("expected PhysAddr %#x, got %#x", want, got)
	}
}

func TestReady(t *testing.T) {
	h := New(0, 0, 0, 0)
	if ready(h) {
		t.Fatal("expected a fresh Handoff to not be ready")
	}
	h.ReadyFlag = 1
	if !ready(h) {
		t.Fatal("expected ReadyFlag=1 to report ready")
	}
}

func TestAwaitReturnsOnceReady(t *testing.T) {
	h := New(0, 0, 0, 0)

	go func() {
		time.Sleep(200 * time.Microsecond)
		h.ReadyFlag = 1
	}()

	if err := Await(h, time.Second); err != nil {
		t.Fatalf("expected Await to observe readiness, got error: %v", err)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	h := New(0, 0, 0, 0)

	err := Await(h, 2*time.Millisecond)
	if err == nil {
		t.Fatal("expected Await to time out on an AP that never signals ready")
	}
	if err != errApBootTimeout {
		t.Fatalf("expected the sentinel timeout error, got %v", err)
	}
}

func TestImageBoundsAndPatchOffsets(t *testing.T) {
	image, patchStack, patch32, patch64 := Image()

	if len(image) == 0 {
		t.Fatal("expected a non-empty trampoline image")
	}
	if patchStack < 0 || patchStack+4 > len(image) {
		t.Fatalf("patchStack offset %d out of bounds for image of length %d", patchStack, len(image))
	}
	if patch32 < 0 || patch32+4 > len(image) {
		t.Fatalf("patch32 offset %d out of bounds for image of length %d", patch32, len(image))
	}
	if patch64 < 0 || patch64+8 > len(image) {
		t.Fatalf("patch64 offset %d out of bounds for image of length %d", patch64, len(image))
	}
	if patchStack == patch32 || patch32 == patch64 || patchStack == patch64 {
		t.Fatal("expected distinct patchStack/patch32/patch64 offsets")
	}
}

func TestImagePatchPointsAreWritable(t *testing.T) {
	image, patchStack, patch32, patch64 := Image()
	// Image's slice aliases the read-only text section; patch a copy, as
	// the BSP does.
	image = append([]byte(nil), image...)

	h := New(0x1000, 0x2000, 0x3000, 0x4000)
	addr := uint64(PhysAddr(h))
	stackTop := uint32(0x7ffff000)

	*(*uint32)(unsafe.Pointer(&image[patchStack])) = stackTop
	*(*uint32)(unsafe.Pointer(&image[patch32])) = uint32(addr)
	*(*uint64)(unsafe.Pointer(&image[patch64])) = addr

	if got := *(*uint32)(unsafe.Pointer(&image[patchStack])); got != stackTop {
		t.Fatalf("expected patchStack slot to hold %#x, got %#x", stackTop, got)
	}
	if got := *(*uint32)(unsafe.Pointer(&image[patch32])); got != uint32(addr) {
		t.Fatalf("expected patch32 slot to hold %#x, got %#x", uint32(addr), got)
	}
	if got := *(*uint64)(unsafe.Pointer(&image[patch64])); got != addr {
		t.Fatalf("expected patch64 slot to hold %#x, got %#x", addr, got)
	}
}
