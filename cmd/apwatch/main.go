// Command apwatch is the BSP-side companion to kernel/apboot: it resolves
// an AP's 64-bit entry address from a built kernel image, extracts the raw
// trampoline bytes an early-boot loader must copy to a low physical page,
// and polls a running AP's ready_flag from the host side during bring-up.
//
// It never runs on the kernel itself — it is a normal hosted Go binary, in
// the same spirit as the kernel's own tools/makelogo and tools/redirects:
// more of the standard library is fair game here than inside kernel/.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/leesh7672/jotunheim/kernel/apboot"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "apwatch: %s\n", err.Error())
	os.Exit(1)
}

// resolveEntry64 looks up sym in img's symbol table and returns its virtual
// address, the same way redirects.go resolves go:redirect-from targets
// against a kernel ELF image.
func resolveEntry64(img, sym string) (uint64, error) {
	f, err := elf.Open(img)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return 0, err
	}
	for _, s := range symbols {
		if s.Name == sym {
			return s.Value, nil
		}
	}
	return 0, fmt.Errorf("%s: symbol %q not found", img, sym)
}

func cmdImage(args []string) error {
	fs := flag.NewFlagSet("image", flag.ExitOnError)
	out := fs.String("out", "", "path to write the raw trampoline bytes to (default: stdout summary only)")
	fs.Parse(args)

	image, patchStack, patch32, patch64 := apboot.Image()
	fmt.Printf("trampoline image: %d bytes, patchStack=%#x patch32=%#x patch64=%#x\n",
		len(image), patchStack, patch32, patch64)

	if *out == "" {
		return nil
	}

	f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(image)
	return err
}

func cmdHandoff(args []string) error {
	fs := flag.NewFlagSet("handoff", flag.ExitOnError)
	kernelImg := fs.String("kernel", "", "path to the built kernel ELF image")
	entrySym := fs.String("entry-symbol", "apEntryAP", "symbol resolved as the AP's 64-bit entry point")
	cr3 := fs.Uint64("cr3", 0, "physical address of the page-table root")
	stackTop := fs.Uint64("stack-top", 0, "top of the AP's private stack")
	hhdm := fs.Uint64("hhdm", 0, "higher-half direct-map base")
	out := fs.String("out", "", "path to a shared physical-memory-backed file to write the Handoff into")
	offset := fs.Int64("offset", 0, "byte offset of the Handoff within -out")
	fs.Parse(args)

	if *kernelImg == "" {
		return errors.New("-kernel is required")
	}

	entry64, err := resolveEntry64(*kernelImg, *entrySym)
	if err != nil {
		return err
	}

	h := apboot.New(*cr3, *stackTop, entry64, *hhdm)
	fmt.Printf("handoff: cr3=%#x stack_top=%#x entry64=%#x hhdm=%#x\n", h.CR3, h.StackTop, h.Entry64, h.HHDM)

	if *out == "" {
		return nil
	}

	f, err := os.OpenFile(*out, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, h)
}

// pollReadyFlag polls the 4-byte ready_flag field at the front of a Handoff
// living at byteOffset inside mem, the host-side mirror of apboot.Await's
// in-process poll loop, used when the Handoff lives in a file backing an
// emulator's physical memory rather than this process's own address space.
func pollReadyFlag(mem *os.File, byteOffset int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4)

	for {
		if _, err := mem.ReadAt(buf, byteOffset); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(buf) == 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("AP did not signal ready within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	mem := fs.String("mem", "", "path to the physical-memory-backed file to poll")
	offset := fs.Int64("offset", 0, "byte offset of the Handoff's ready_flag within -mem")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for the AP to signal ready")
	fs.Parse(args)

	if *mem == "" {
		return errors.New("-mem is required")
	}

	f, err := os.Open(*mem)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := pollReadyFlag(f, *offset, *timeout); err != nil {
		return err
	}
	fmt.Println("AP is ready")
	return nil
}

func main() {
	if len(os.Args) < 2 {
		exit(errors.New("missing command: image, handoff, or watch"))
	}

	var err error
	switch os.Args[1] {
	case "image":
		err = cmdImage(os.Args[2:])
	case "handoff":
		err = cmdHandoff(os.Args[2:])
	case "watch":
		err = cmdWatch(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}

	if err != nil {
		exit(err)
	}
}
