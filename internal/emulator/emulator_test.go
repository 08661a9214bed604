package emulator

import (
	"errors"
	"testing"
)

// x86-64 test code: MOV RAX, RDI; ADD RAX, RSI; RET
var addTestCode = []byte{
	0x48, 0x89, 0xf8, // MOV RAX, RDI
	0x48, 0x01, 0xf0, // ADD RAX, RSI
	0xc3, // RET
}

// x86-64 test code: MOV RAX, [RSP+8]; RET
// Reads the first stack-passed argument, i.e. argument seven.
var stackArgTestCode = []byte{
	0x48, 0x8b, 0x44, 0x24, 0x08, // MOV RAX, [RSP+8]
	0xc3, // RET
}

// x86-64 test code: MOVABS RAX, HookBase; CALL RAX; RET
var hookCallTestCode = []byte{
	0x48, 0xb8, 0x00, 0x00, 0xd0, 0x00, 0x00, 0x00, 0x00, 0x00, // MOVABS RAX, 0xd00000
	0xff, 0xd0, // CALL RAX
	0xc3, // RET
}

func TestCallRegisterArgs(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	ret, err := emu.Call(BinaryBase, 5, 3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ret != 8 {
		t.Errorf("Expected 8, got %d", ret)
	}
}

func TestCallStackArgs(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(stackArgTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	// Arguments one through six ride in registers; seven hits the stack.
	ret, err := emu.Call(BinaryBase, 1, 2, 3, 4, 5, 6, 7)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ret != 7 {
		t.Errorf("Expected seventh argument 7, got %d", ret)
	}
}

func TestCallRestoresStackPointer(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	before := emu.SP()
	if _, err := emu.Call(BinaryBase, 1, 2); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if after := emu.SP(); after != before {
		t.Errorf("SP not restored: before=0x%x after=0x%x", before, after)
	}
}

func TestHookRegionDispatch(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(hookCallTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	var hookAddr uint64
	emu.OnHookRegion(func(addr uint64) {
		hookAddr = addr
		arg, err := emu.Arg(0)
		if err != nil {
			emu.Abort(err)
			return
		}
		if err := emu.SetRet(arg * 2); err != nil {
			emu.Abort(err)
		}
	})

	ret, err := emu.Call(BinaryBase, 21)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if hookAddr != HookBase {
		t.Errorf("Expected hook at 0x%x, got 0x%x", uint64(HookBase), hookAddr)
	}
	if ret != 42 {
		t.Errorf("Expected 42, got %d", ret)
	}
}

func TestHookAbort(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(hookCallTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	boom := errors.New("boom")
	emu.OnHookRegion(func(addr uint64) {
		emu.Abort(boom)
	})

	_, err = emu.Call(BinaryBase, 1)
	if err == nil {
		t.Fatal("Expected Call to fail after Abort")
	}
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Expected *Fault, got %T: %v", err, err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Fault does not wrap the abort error: %v", err)
	}
}

func TestCallUnmappedFaults(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadBinary(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	// Between the binary's single page and the stack nothing is mapped.
	_, err = emu.Call(0x500000)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Expected *Fault for unmapped execution, got %T: %v", err, err)
	}
}

func TestMemoryOperations(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr := uint64(HeapBase)
	val := uint64(0x123456789ABCDEF0)

	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}
	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	if err := emu.MemWriteU32(addr, 0xCAFEBABE); err != nil {
		t.Fatalf("Failed to write U32: %v", err)
	}
	readVal32, err := emu.MemReadU32(addr)
	if err != nil {
		t.Fatalf("Failed to read U32: %v", err)
	}
	if readVal32 != 0xCAFEBABE {
		t.Errorf("U32 mismatch: read 0x%x", readVal32)
	}

	strAddr := emu.Malloc(64)
	testStr := "IOPower"

	if err := emu.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	readStr, err := emu.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}
}

func TestMalloc(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr1 := emu.Malloc(100)
	addr2 := emu.Malloc(200)
	addr3 := emu.Malloc(50)

	for i, addr := range []uint64{addr1, addr2, addr3} {
		if addr%16 != 0 {
			t.Errorf("allocation %d not 16-byte aligned: 0x%x", i, addr)
		}
	}

	size1 := uint64(112) // 100 rounded to 16
	size2 := uint64(208) // 200 rounded to 16

	if addr2 < addr1+size1 {
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+size2 {
		t.Errorf("addr3 overlaps addr2")
	}
}

func TestLoadBinaryTooLarge(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	err = emu.LoadBinary(make([]byte, BinaryMax+1))
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Expected *Fault for oversized binary, got %T: %v", err, err)
	}
}
