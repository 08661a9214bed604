package stubs

import (
	"math/rand/v2"
)

func init() {
	Register(Def{Name: "_malloc", Args: 1, Category: "libc", Hook: hookMalloc})
	Register(Def{Name: "_free", Args: 0, Category: "libc", Hook: hookNop})
	Register(Def{Name: "___bzero", Args: 2, Category: "libc", Hook: hookBzero})
	Register(Def{Name: "___memset_chk", Args: 4, Category: "libc", Hook: hookMemsetChk})
	Register(Def{Name: "_memcpy", Args: 3, Category: "libc", Hook: hookMemcpy})
	Register(Def{Name: "___stack_chk_guard", Args: 0, Category: "libc", Hook: hookNop})
	Register(Def{Name: "_sysctlbyname", Args: 5, Category: "libc", Hook: hookSysctlByName})
	Register(Def{Name: "_statfs$INODE64", Args: 0, Category: "libc", Hook: hookNop})
	Register(Def{Name: "_arc4random", Args: 0, Category: "libc", Hook: hookArc4Random})
}

// hookNop covers the calls the binary makes for effect only: free (the
// heap is never reclaimed), statfs, the stack guard.
func hookNop(ctx *Context, args []uint64) (uint64, error) {
	return 0, nil
}

func hookMalloc(ctx *Context, args []uint64) (uint64, error) {
	return ctx.Emu.Malloc(args[0]), nil
}

func hookBzero(ctx *Context, args []uint64) (uint64, error) {
	ptr, length := args[0], args[1]
	if err := ctx.Emu.MemWrite(ptr, make([]byte, length)); err != nil {
		return 0, err
	}
	return 0, nil
}

// ___memset_chk(dest, c, len, destlen). The checked destination length
// is ignored; the emulated heap is generous and overruns fault anyway.
func hookMemsetChk(ctx *Context, args []uint64) (uint64, error) {
	dest, c, length := args[0], args[1], args[2]
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = byte(c)
	}
	if err := ctx.Emu.MemWrite(dest, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func hookMemcpy(ctx *Context, args []uint64) (uint64, error) {
	dest, src, length := args[0], args[1], args[2]
	buf, err := ctx.Emu.MemRead(src, length)
	if err != nil {
		return 0, err
	}
	if err := ctx.Emu.MemWrite(dest, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

// _sysctlbyname always reports success without touching the out
// buffer; the binary only probes values it can live without.
func hookSysctlByName(ctx *Context, args []uint64) (uint64, error) {
	return 0, nil
}

// _arc4random is process-random: the entropy feeding the attestation
// is not part of the fixed fixture surface.
func hookArc4Random(ctx *Context, args []uint64) (uint64, error) {
	return uint64(rand.Uint32()), nil
}
