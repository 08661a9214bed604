// Package loader extracts a single-architecture slice from a fat
// (multi-architecture) Mach-O container and resolves the slice's
// imported-symbol pointer slots.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	fatMagic        = 0xcafebabe
	fatHeaderSize   = 8
	fatArchSize     = 20
	machMagic64     = 0xfeedfacf
	maxFatArchCount = 128
)

// FormatError reports a malformed fat container or a missing
// architecture. It indicates a corrupted bundled asset and is never
// retried.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string { return "loader: " + e.msg }

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// Arch describes one slice of a fat container.
type Arch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint32
	Size   uint32
}

// Arches parses the fat header and returns all slice records.
// The fat header and its arch table are always big-endian.
func Arches(data []byte) ([]Arch, error) {
	if len(data) < fatHeaderSize {
		return nil, formatErrorf("container too short (%d bytes)", len(data))
	}
	magic := binary.BigEndian.Uint32(data)
	if magic != fatMagic {
		return nil, formatErrorf("bad fat magic %#08x", magic)
	}
	count := binary.BigEndian.Uint32(data[4:])
	if count == 0 {
		return nil, formatErrorf("empty fat container")
	}
	if count > maxFatArchCount {
		return nil, formatErrorf("implausible arch count %d", count)
	}
	if uint64(len(data)) < fatHeaderSize+uint64(count)*fatArchSize {
		return nil, formatErrorf("truncated arch table (%d entries, %d bytes)", count, len(data))
	}

	arches := make([]Arch, count)
	for i := range arches {
		rec := data[fatHeaderSize+i*fatArchSize:]
		arches[i] = Arch{
			CPU:    types.CPU(binary.BigEndian.Uint32(rec)),
			SubCPU: types.CPUSubtype(binary.BigEndian.Uint32(rec[4:])),
			Offset: binary.BigEndian.Uint32(rec[8:]),
			Size:   binary.BigEndian.Uint32(rec[12:]),
		}
	}
	return arches, nil
}

// Slice returns the byte range of the requested architecture out of a
// fat container. The returned slice aliases data.
func Slice(data []byte, cpu types.CPU) ([]byte, error) {
	arches, err := Arches(data)
	if err != nil {
		return nil, err
	}
	for _, a := range arches {
		if a.CPU != cpu {
			continue
		}
		end := uint64(a.Offset) + uint64(a.Size)
		if end > uint64(len(data)) {
			return nil, formatErrorf("%s slice [%#x:%#x] past end of container (%d bytes)",
				cpu, a.Offset, end, len(data))
		}
		return data[a.Offset:end], nil
	}
	return nil, formatErrorf("container has no %s slice", cpu)
}

// X8664Slice returns the x86-64 slice, the one architecture the
// emulator targets, and checks its Mach-O magic.
func X8664Slice(data []byte) ([]byte, error) {
	slice, err := Slice(data, types.CPUAmd64)
	if err != nil {
		return nil, err
	}
	if len(slice) < 4 {
		return nil, formatErrorf("x86-64 slice too short (%d bytes)", len(slice))
	}
	if magic := binary.LittleEndian.Uint32(slice); magic != machMagic64 {
		return nil, formatErrorf("x86-64 slice has bad Mach-O magic %#08x", magic)
	}
	return slice, nil
}
