// Package emulator provides x86-64 emulation using Unicorn Engine.
//
// The machine hosts exactly one loaded binary slice per instance. The
// slice is mapped at address zero so that file offsets double as
// emulated addresses, which is how the vendor binary's entry routines
// are located.
package emulator

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants. StopAddr is deliberately left unmapped: it
// is only ever used as a sentinel return address that ends emulation.
const (
	BinaryBase = 0x00000000
	BinaryMax  = 0x00900000 // binary region must not grow past here
	StopAddr   = 0x00900000
	StackBase  = 0x00a00000
	StackSize  = 0x00100000
	HookBase   = 0x00d00000
	HookSize   = 0x00100000
	HeapBase   = 0x01000000
	HeapSize   = 0x01000000
)

// pageSize is unicorn's mapping granularity.
const pageSize = 0x1000

// argRegs are the System V AMD64 integer argument registers in order.
var argRegs = [6]int{
	uc.X86_REG_RDI,
	uc.X86_REG_RSI,
	uc.X86_REG_RDX,
	uc.X86_REG_RCX,
	uc.X86_REG_R8,
	uc.X86_REG_R9,
}

// Fault is a fatal emulation failure: execution or access touched
// unmapped memory, or a hook aborted the run. It indicates incomplete
// hook coverage rather than a transient condition and is never retried.
type Fault struct {
	Op   string
	Addr uint64
	Err  error
}

func (f *Fault) Error() string {
	if f.Addr != 0 {
		return fmt.Sprintf("emulation fault: %s at %#x: %v", f.Op, f.Addr, f.Err)
	}
	return fmt.Sprintf("emulation fault: %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// HookRegionFunc is invoked when the instruction pointer enters the
// hook-trampoline region, before the trap RET executes.
type HookRegionFunc func(addr uint64)

// Emulator wraps Unicorn for x86-64 emulation.
type Emulator struct {
	mu uc.Unicorn

	heapPtr  uint64 // current bump-allocation cursor
	onHook   HookRegionFunc
	abortErr error // set by Abort, surfaces out of Call
}

// New creates a fresh x86-64 machine with the stack, heap and
// hook-trampoline regions mapped. The hook region is pre-filled with
// single-byte RET stubs so any trapped address returns immediately
// after its hook runs.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{
		mu:      mu,
		heapPtr: HeapBase,
	}

	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{StackBase, StackSize, "stack"},
		{HookBase, HookSize, "hooks"},
		{HeapBase, HeapSize, "heap"},
	}
	for _, r := range regions {
		if err := mu.MemMap(r.base, r.size); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map %s (%#x): %w", r.name, r.base, err)
		}
	}

	// x86 RET opcode everywhere in the hook region.
	ret := make([]byte, HookSize)
	for i := range ret {
		ret[i] = 0xc3
	}
	if err := mu.MemWrite(HookBase, ret); err != nil {
		mu.Close()
		return nil, fmt.Errorf("fill hook region: %w", err)
	}

	if err := mu.RegWrite(uc.X86_REG_RSP, StackBase+StackSize-pageSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("set RSP: %w", err)
	}

	if err := e.installHookRegionTrace(); err != nil {
		mu.Close()
		return nil, err
	}

	return e, nil
}

// installHookRegionTrace installs the instruction-level trace callback
// over exactly the hook region's address range.
func (e *Emulator) installHookRegionTrace() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if fn := e.onHook; fn != nil {
			fn(addr)
		}
	}, HookBase, HookBase+HookSize-1)
	if err != nil {
		return fmt.Errorf("install hook-region trace: %w", err)
	}
	return nil
}

// OnHookRegion sets the callback invoked when execution enters the
// hook-trampoline region. The emulation engine guarantees the callback
// and the code calling Call never run concurrently.
func (e *Emulator) OnHookRegion(fn HookRegionFunc) {
	e.onHook = fn
}

// Close releases the unicorn instance.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadBinary maps the binary slice at BinaryBase and writes it.
func (e *Emulator) LoadBinary(code []byte) error {
	size := (uint64(len(code)) + pageSize - 1) &^ uint64(pageSize-1)
	if size == 0 {
		return &Fault{Op: "load empty binary", Err: fmt.Errorf("no bytes")}
	}
	if size > BinaryMax {
		return &Fault{Op: "load binary", Err: fmt.Errorf("slice of %d bytes overruns binary region", len(code))}
	}
	if err := e.mu.MemMap(BinaryBase, size); err != nil {
		return &Fault{Op: "map binary", Addr: BinaryBase, Err: err}
	}
	if err := e.mu.MemWrite(BinaryBase, code); err != nil {
		return &Fault{Op: "write binary", Addr: BinaryBase, Err: err}
	}
	return nil
}

// Malloc allocates memory from the heap bump allocator. Memory is never
// reclaimed; runs are short-lived. Panics if the heap is exhausted,
// which means the emulation itself has gone off the rails.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) &^ uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("emulator: heap exhausted")
	}

	return addr
}

// Abort records a fatal hook error and stops emulation. The pending
// error surfaces as the failure of the Call in progress.
func (e *Emulator) Abort(err error) {
	if e.abortErr == nil {
		e.abortErr = err
	}
	e.mu.Stop()
}

// Call is the calling-convention bridge into the loaded binary: the
// first six arguments go into the SysV argument registers, the rest on
// the stack right-to-left, with StopAddr pushed as the return address.
// Emulation runs until control reaches StopAddr; the RAX register's
// contents are the result.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	savedSP := e.SP()
	defer e.SetSP(savedSP)

	sp := uint64(StackBase + StackSize - 0x100)
	nstack := 0
	if len(args) > len(argRegs) {
		nstack = len(args) - len(argRegs)
	}
	// Keep RSP at 8 mod 16 at routine entry, as a real CALL would.
	if nstack%2 == 1 {
		sp -= 8
	}
	for i := len(args) - 1; i >= len(argRegs); i-- {
		sp -= 8
		if err := e.MemWriteU64(sp, args[i]); err != nil {
			return 0, err
		}
	}
	sp -= 8
	if err := e.MemWriteU64(sp, StopAddr); err != nil {
		return 0, err
	}
	if err := e.SetSP(sp); err != nil {
		return 0, err
	}
	for i := 0; i < len(args) && i < len(argRegs); i++ {
		if err := e.mu.RegWrite(argRegs[i], args[i]); err != nil {
			return 0, &Fault{Op: "set argument register", Err: err}
		}
	}

	e.abortErr = nil
	err := e.mu.Start(addr, StopAddr)
	if e.abortErr != nil {
		return 0, &Fault{Op: "hook", Addr: e.PC(), Err: e.abortErr}
	}
	if err != nil {
		return 0, &Fault{Op: "execute", Addr: e.PC(), Err: err}
	}

	rax, err := e.mu.RegRead(uc.X86_REG_RAX)
	if err != nil {
		return 0, &Fault{Op: "read RAX", Err: err}
	}
	return rax, nil
}

// Arg reads the i-th call argument from the calling-convention slots
// while stopped inside the hook region. Register args come first; stack
// args sit above the return address the emulated CALL pushed.
func (e *Emulator) Arg(i int) (uint64, error) {
	if i < len(argRegs) {
		v, err := e.mu.RegRead(argRegs[i])
		if err != nil {
			return 0, &Fault{Op: "read argument register", Err: err}
		}
		return v, nil
	}
	return e.MemReadU64(e.SP() + 8 + 8*uint64(i-len(argRegs)))
}

// Args reads n call arguments.
func (e *Emulator) Args(n int) ([]uint64, error) {
	args := make([]uint64, n)
	for i := range args {
		v, err := e.Arg(i)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// SetRet writes the return-value register.
func (e *Emulator) SetRet(v uint64) error {
	if err := e.mu.RegWrite(uc.X86_REG_RAX, v); err != nil {
		return &Fault{Op: "write RAX", Err: err}
	}
	return nil
}

// MemRead reads bytes from mapped memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	data, err := e.mu.MemRead(addr, size)
	if err != nil {
		return nil, &Fault{Op: "read memory", Addr: addr, Err: err}
	}
	return data, nil
}

// MemWrite writes bytes to mapped memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	if err := e.mu.MemWrite(addr, data); err != nil {
		return &Fault{Op: "write memory", Addr: addr, Err: err}
	}
	return nil
}

// MemReadU64 reads a uint64 from memory (little endian).
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian).
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian).
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian).
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.MemWrite(addr, data)
}

// MemReadString reads a NUL-terminated string from memory.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 256
	}
	data, err := e.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a NUL-terminated string to memory.
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.MemWrite(addr, append([]byte(s), 0))
}

// PC returns the instruction pointer.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.X86_REG_RIP)
	return pc
}

// SP returns the stack pointer.
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.X86_REG_RSP)
	return sp
}

// SetSP sets the stack pointer.
func (e *Emulator) SetSP(val uint64) error {
	if err := e.mu.RegWrite(uc.X86_REG_RSP, val); err != nil {
		return &Fault{Op: "write RSP", Err: err}
	}
	return nil
}
