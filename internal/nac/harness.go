// Package nac drives the emulated vendor binary to produce validation
// data: the opaque attestation blob the identity service requires from
// registering clients.
package nac

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Kab1r/rustpush/internal/cf"
	"github.com/Kab1r/rustpush/internal/emulator"
	"github.com/Kab1r/rustpush/internal/loader"
	glog "github.com/Kab1r/rustpush/internal/log"
	"github.com/Kab1r/rustpush/internal/stubs"
)

// Harness is one fully wired emulation run: the x86-64 slice of the
// vendor binary loaded into a fresh emulator with every import bound
// to its hook. A Harness is single-use and not safe for concurrent
// calls.
type Harness struct {
	Emu     *emulator.Emulator
	Objects *cf.Table
	Ctx     *stubs.Context
	Binding *stubs.Binding
}

// NewHarness builds a run from the raw universal binary bytes.
func NewHarness(binary []byte, fixtures stubs.PropertyProvider, logger *glog.Logger) (*Harness, error) {
	slice, err := loader.X8664Slice(binary)
	if err != nil {
		return nil, err
	}
	imports, err := loader.Imports(slice)
	if err != nil {
		return nil, err
	}

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}
	if err := emu.LoadBinary(slice); err != nil {
		emu.Close()
		return nil, err
	}

	ctx := &stubs.Context{
		Emu:      emu,
		Objects:  new(cf.Table),
		Fixtures: fixtures,
		Log:      logger,
	}
	binding, err := stubs.DefaultRegistry.Bind(ctx, stubImports(imports))
	if err != nil {
		emu.Close()
		return nil, fmt.Errorf("nac: bind imports: %w", err)
	}

	if logger != nil {
		logger.Debug("harness ready",
			glog.Size(uint64(len(slice))),
			zap.Int("imports", binding.Bound()),
		)
	}
	return &Harness{
		Emu:     emu,
		Objects: ctx.Objects,
		Ctx:     ctx,
		Binding: binding,
	}, nil
}

// Close releases the emulator.
func (h *Harness) Close() error {
	return h.Emu.Close()
}

func stubImports(in []loader.Import) []stubs.Import {
	out := make([]stubs.Import, len(in))
	for i, im := range in {
		out[i] = stubs.Import{Symbol: im.Symbol, Slot: im.Slot}
	}
	return out
}
