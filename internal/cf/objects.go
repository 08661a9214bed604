// Package cf implements the emulated CoreFoundation-like object model:
// an append-only table of tagged values addressed by 1-based handles.
//
// Handles stand in for foreign runtime objects on the hook boundary.
// They are only ever appended, never compacted or reused, so a handle
// stays valid for the lifetime of one emulation run.
package cf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Kab1r/rustpush/internal/emulator"
)

// Type identifiers the emulated binary observes. Data and String match
// what the type-id query hooks report; Dictionary is internal.
const (
	TypeData       = 1
	TypeString     = 2
	TypeDictionary = 3
)

var (
	// ErrInvalidHandle means the emulated binary referenced an object
	// the harness never created. Always a hook-authoring bug; fatal.
	ErrInvalidHandle = errors.New("cf: invalid object handle")

	// ErrKeyNotFound means a dictionary lookup missed. The fixture
	// dataset is expected to be exhaustive for the call patterns the
	// vendor binary exercises, so a miss is fatal.
	ErrKeyNotFound = errors.New("cf: dictionary key not found")
)

// Handle is a 1-based position in a Table.
type Handle uint64

// Object is a tagged emulated runtime value.
type Object interface {
	TypeID() uint64
}

// String is an emulated string object.
type String string

func (String) TypeID() uint64 { return TypeString }

// Data is an emulated byte-buffer object.
type Data []byte

func (Data) TypeID() uint64 { return TypeData }

// Dictionary maps string keys to tagged values. Insertion order is
// irrelevant.
type Dictionary map[string]Object

func (Dictionary) TypeID() uint64 { return TypeDictionary }

// Get returns the value under key or ErrKeyNotFound.
func (d Dictionary) Get(key string) (Object, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// Set stores value under key.
func (d Dictionary) Set(key string, value Object) {
	d[key] = value
}

// Table is the object handle table: an ordered, append-only sequence
// of tagged values. The zero value is ready to use.
type Table struct {
	objs []Object
}

// Intern appends a value and returns its handle. For a sequence of N
// calls within one run the handles are exactly 1..N in call order.
func (t *Table) Intern(o Object) Handle {
	t.objs = append(t.objs, o)
	return Handle(len(t.objs))
}

// Len returns the number of interned objects.
func (t *Table) Len() int { return len(t.objs) }

// Resolve returns the value at handle h.
func (t *Table) Resolve(h Handle) (Object, error) {
	if h == 0 || uint64(h) > uint64(len(t.objs)) {
		return nil, fmt.Errorf("%w: %d (table has %d)", ErrInvalidHandle, h, len(t.objs))
	}
	return t.objs[h-1], nil
}

// String resolves h and asserts the string tag.
func (t *Table) String(h Handle) (String, error) {
	o, err := t.Resolve(h)
	if err != nil {
		return "", err
	}
	s, ok := o.(String)
	if !ok {
		return "", fmt.Errorf("cf: handle %d holds %T, want string", h, o)
	}
	return s, nil
}

// Data resolves h and asserts the byte-buffer tag.
func (t *Table) Data(h Handle) (Data, error) {
	o, err := t.Resolve(h)
	if err != nil {
		return nil, err
	}
	d, ok := o.(Data)
	if !ok {
		return nil, fmt.Errorf("cf: handle %d holds %T, want data", h, o)
	}
	return d, nil
}

// Dictionary resolves h and asserts the dictionary tag.
func (t *Table) Dictionary(h Handle) (Dictionary, error) {
	o, err := t.Resolve(h)
	if err != nil {
		return nil, err
	}
	d, ok := o.(Dictionary)
	if !ok {
		return nil, fmt.Errorf("cf: handle %d holds %T, want dictionary", h, o)
	}
	return d, nil
}

// StringAt parses an in-binary CFString descriptor out of emulated
// memory: {isa, flags, dataPtr, length} as four 64-bit words, then
// length bytes of UTF-8 at dataPtr. This is how the binary passes
// string arguments by reference rather than by handle.
func StringAt(emu *emulator.Emulator, ptr uint64) (string, error) {
	hdr, err := emu.MemRead(ptr, 32)
	if err != nil {
		return "", err
	}
	dataPtr := binary.LittleEndian.Uint64(hdr[16:24])
	length := binary.LittleEndian.Uint64(hdr[24:32])
	if length == 0 {
		return "", nil
	}
	buf, err := emu.MemRead(dataPtr, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
