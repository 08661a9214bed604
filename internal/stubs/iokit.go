package stubs

import (
	"github.com/Kab1r/rustpush/internal/cf"
)

// Sentinel object handles the IOKit hooks hand the binary for opaque
// service and iterator references. The binary never dereferences
// these, it only passes them back.
const (
	matchingServiceHandle = 92
	serviceIterListHandle = 93
	serviceIterItemHandle = 94
)

func init() {
	Register(Def{Name: "_kIOMasterPortDefault", Args: 0, Category: "iokit", Hook: hookNop})
	Register(Def{Name: "_IORegistryEntryFromPath", Args: 1, Category: "iokit", Hook: hookRegistryEntryFromPath})
	Register(Def{Name: "_IORegistryEntryCreateCFProperty", Args: 4, Category: "iokit", Hook: hookRegistryEntryCreateCFProperty})
	Register(Def{Name: "_IORegistryEntryGetParentEntry", Args: 3, Category: "iokit", Hook: hookRegistryEntryGetParentEntry})
	Register(Def{Name: "_IOObjectRelease", Args: 0, Category: "iokit", Hook: hookNop})
	Register(Def{Name: "_IOServiceMatching", Args: 1, Category: "iokit", Hook: hookServiceMatching})
	Register(Def{Name: "_IOServiceGetMatchingService", Args: 0, Category: "iokit", Hook: hookServiceGetMatchingService})
	Register(Def{Name: "_IOServiceGetMatchingServices", Args: 3, Category: "iokit", Hook: hookServiceGetMatchingServices})
	Register(Def{Name: "_IOIteratorNext", Args: 1, Category: "iokit", Hook: hookIteratorNext})
}

func hookRegistryEntryFromPath(ctx *Context, args []uint64) (uint64, error) {
	return 1, nil
}

// _IORegistryEntryCreateCFProperty(entry, key, allocator, options)
// answers a hardware registry lookup from the fixture dataset: the key
// arrives as an in-binary CFString descriptor; the result is a fresh
// object handle wrapping the fixture value, or 0 when the fixture has
// no entry for the key.
func hookRegistryEntryCreateCFProperty(ctx *Context, args []uint64) (uint64, error) {
	key, err := cf.StringAt(ctx.Emu, args[1])
	if err != nil {
		return 0, err
	}
	val, ok := ctx.Fixtures.IOKitProperty(key)
	if !ok {
		return 0, nil
	}
	return uint64(ctx.Objects.Intern(val)), nil
}

// _IORegistryEntryGetParentEntry(entry, plane, parent) fabricates the
// parent as entry+100, written through the out-pointer.
func hookRegistryEntryGetParentEntry(ctx *Context, args []uint64) (uint64, error) {
	if err := ctx.Emu.MemWriteU64(args[2], args[0]+100); err != nil {
		return 0, err
	}
	return 0, nil
}

// _IOServiceMatching(name) builds the matching dictionary the real API
// would: a mutable dictionary with IOProviderClass set to the service
// class name, passed as a C string.
func hookServiceMatching(ctx *Context, args []uint64) (uint64, error) {
	name, err := ctx.Emu.MemReadString(args[0], 256)
	if err != nil {
		return 0, err
	}
	d := cf.Dictionary{"IOProviderClass": cf.String(name)}
	return uint64(ctx.Objects.Intern(d)), nil
}

func hookServiceGetMatchingService(ctx *Context, args []uint64) (uint64, error) {
	return matchingServiceHandle, nil
}

// _IOServiceGetMatchingServices(port, matching, existing) writes the
// iterator sentinel through the out-pointer and arms the one-shot
// iterator, modeling a single-element result set.
func hookServiceGetMatchingServices(ctx *Context, args []uint64) (uint64, error) {
	ctx.ArmServiceIterator()
	if err := ctx.Emu.MemWriteU64(args[2], serviceIterListHandle); err != nil {
		return 0, err
	}
	return 0, nil
}

// _IOIteratorNext(iterator) yields the single fabricated service
// exactly once after the iterator is armed, then signals end of
// iteration forever.
func hookIteratorNext(ctx *Context, args []uint64) (uint64, error) {
	if ctx.TakeServiceIterator() {
		return serviceIterItemHandle, nil
	}
	return 0, nil
}
