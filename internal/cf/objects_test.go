package cf

import (
	"errors"
	"testing"

	"github.com/Kab1r/rustpush/internal/emulator"
)

func TestTableHandles(t *testing.T) {
	var tbl Table

	h1 := tbl.Intern(String("first"))
	h2 := tbl.Intern(Data{1, 2, 3})
	h3 := tbl.Intern(Dictionary{})

	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Errorf("Expected handles 1,2,3, got %d,%d,%d", h1, h2, h3)
	}
	if tbl.Len() != 3 {
		t.Errorf("Expected 3 objects, got %d", tbl.Len())
	}

	s, err := tbl.String(h1)
	if err != nil {
		t.Fatalf("String(%d) failed: %v", h1, err)
	}
	if s != "first" {
		t.Errorf("Expected %q, got %q", "first", s)
	}

	d, err := tbl.Data(h2)
	if err != nil {
		t.Fatalf("Data(%d) failed: %v", h2, err)
	}
	if len(d) != 3 {
		t.Errorf("Expected 3 bytes, got %d", len(d))
	}
}

func TestTableInvalidHandle(t *testing.T) {
	var tbl Table
	tbl.Intern(String("only"))

	for _, h := range []Handle{0, 2, 99} {
		if _, err := tbl.Resolve(h); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Resolve(%d): expected ErrInvalidHandle, got %v", h, err)
		}
	}
}

func TestTableTagMismatch(t *testing.T) {
	var tbl Table
	h := tbl.Intern(String("not data"))

	if _, err := tbl.Data(h); err == nil {
		t.Error("Expected tag mismatch error for Data on a string handle")
	}
	if _, err := tbl.Dictionary(h); err == nil {
		t.Error("Expected tag mismatch error for Dictionary on a string handle")
	}
}

func TestTypeIDs(t *testing.T) {
	if got := (Data{}).TypeID(); got != TypeData {
		t.Errorf("Data type id: got %d, want %d", got, TypeData)
	}
	if got := String("").TypeID(); got != TypeString {
		t.Errorf("String type id: got %d, want %d", got, TypeString)
	}
	if got := (Dictionary{}).TypeID(); got != TypeDictionary {
		t.Errorf("Dictionary type id: got %d, want %d", got, TypeDictionary)
	}
}

func TestDictionaryGetSet(t *testing.T) {
	d := Dictionary{}
	d.Set("IOPlatformUUID", String("uuid-value"))

	v, err := d.Get("IOPlatformUUID")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v.(String) != "uuid-value" {
		t.Errorf("Got %v", v)
	}

	if _, err := d.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestStringAt(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	payload := "IOPlatformSerialNumber"
	dataAddr := emu.Malloc(uint64(len(payload)))
	if err := emu.MemWrite(dataAddr, []byte(payload)); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}

	// Descriptor: {isa, flags, dataPtr, length}
	descAddr := emu.Malloc(32)
	for i, word := range []uint64{0, 0x7c8, dataAddr, uint64(len(payload))} {
		if err := emu.MemWriteU64(descAddr+uint64(i*8), word); err != nil {
			t.Fatalf("Failed to write descriptor word %d: %v", i, err)
		}
	}

	got, err := StringAt(emu, descAddr)
	if err != nil {
		t.Fatalf("StringAt failed: %v", err)
	}
	if got != payload {
		t.Errorf("Expected %q, got %q", payload, got)
	}
}

func TestStringAtEmpty(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	descAddr := emu.Malloc(32)
	got, err := StringAt(emu, descAddr)
	if err != nil {
		t.Fatalf("StringAt failed: %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
}
