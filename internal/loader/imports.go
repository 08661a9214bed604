package loader

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-macho"
)

// Indirect symbol table entries that do not name a symbol.
const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

// Import is one imported-symbol pointer slot in a thin Mach-O slice.
// Slot is the slot's file offset; the emulator maps the raw slice at
// address zero, so file offsets double as emulated addresses.
type Import struct {
	Symbol string
	Slot   uint64
}

// Imports resolves every lazy and non-lazy symbol pointer slot in the
// slice to its imported symbol name via the indirect symbol table.
func Imports(slice []byte) ([]Import, error) {
	f, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		return nil, formatErrorf("parse x86-64 slice: %v", err)
	}
	defer f.Close()

	if f.Symtab == nil {
		return nil, formatErrorf("slice has no symbol table")
	}
	if f.Dysymtab == nil {
		return nil, formatErrorf("slice has no dynamic symbol table")
	}
	syms := f.Symtab.Syms
	indirect := f.Dysymtab.IndirectSyms

	var imports []Import
	for _, sec := range f.Sections {
		if !sec.Flags.IsLazySymbolPointers() && !sec.Flags.IsNonLazySymbolPointers() {
			continue
		}
		count := sec.Size / 8
		for i := uint64(0); i < count; i++ {
			idx := uint64(sec.Reserved1) + i
			if idx >= uint64(len(indirect)) {
				return nil, formatErrorf("section %s.%s: indirect index %d out of range (%d entries)",
					sec.Seg, sec.Name, idx, len(indirect))
			}
			symIdx := indirect[idx]
			if symIdx&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
				continue
			}
			if symIdx >= uint32(len(syms)) {
				return nil, formatErrorf("section %s.%s: symbol index %d out of range (%d symbols)",
					sec.Seg, sec.Name, symIdx, len(syms))
			}
			imports = append(imports, Import{
				Symbol: syms[symIdx].Name,
				Slot:   uint64(sec.Offset) + i*8,
			})
		}
	}
	if len(imports) == 0 {
		return nil, formatErrorf("slice declares no symbol pointer sections")
	}
	return imports, nil
}

// String implements fmt.Stringer for diagnostics.
func (im Import) String() string {
	return fmt.Sprintf("%s@%#x", im.Symbol, im.Slot)
}
