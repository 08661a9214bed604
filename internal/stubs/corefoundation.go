package stubs

import (
	"fmt"

	"github.com/Kab1r/rustpush/internal/cf"
)

// volumeUUIDKey is the disk-description key the validation routines
// look up.
const volumeUUIDKey = "DADiskDescriptionVolumeUUIDKey"

// sentinelUUIDKey is the raw word the binary passes as the volume UUID
// key: it loads kDADiskDescriptionVolumeUUIDKey through its pointer
// slot and dereferences straight into the RET-filled hook region, so
// the "key" it observes is eight 0xc3 bytes. The dictionary-get hook
// must treat exactly this word as the volume UUID key, whatever
// dictionary handle arrives with it.
const sentinelUUIDKey = 0xc3c3c3c3c3c3c3c3

func init() {
	Register(Def{Name: "_kCFAllocatorDefault", Args: 0, Category: "cf", Hook: hookNop})
	Register(Def{Name: "_kCFBooleanTrue", Args: 0, Category: "cf", Hook: hookNop})
	Register(Def{Name: "_CFRelease", Args: 0, Category: "cf", Hook: hookNop})
	Register(Def{Name: "_CFGetTypeID", Args: 1, Category: "cf", Hook: hookGetTypeID})
	Register(Def{Name: "_CFStringGetTypeID", Args: 0, Category: "cf", Hook: hookStringTypeID})
	Register(Def{Name: "_CFDataGetTypeID", Args: 0, Category: "cf", Hook: hookDataTypeID})
	Register(Def{Name: "_CFDataGetLength", Args: 1, Category: "cf", Hook: hookDataGetLength})
	Register(Def{Name: "_CFDataGetBytes", Args: 4, Category: "cf", Hook: hookDataGetBytes})
	Register(Def{Name: "_CFDictionaryCreateMutable", Args: 0, Category: "cf", Hook: hookDictionaryCreateMutable})
	Register(Def{Name: "_CFDictionarySetValue", Args: 3, Category: "cf", Hook: hookDictionarySetValue})
	Register(Def{Name: "_CFDictionaryGetValue", Args: 2, Category: "cf", Hook: hookDictionaryGetValue})
	Register(Def{Name: "_CFUUIDCreateString", Args: 2, Category: "cf", Hook: hookUUIDCreateString})
	Register(Def{Name: "_CFStringGetLength", Args: 1, Category: "cf", Hook: hookStringGetLength})
	Register(Def{Name: "_CFStringGetMaximumSizeForEncoding", Args: 2, Category: "cf", Hook: hookStringMaxSize})
	Register(Def{Name: "_CFStringGetCString", Args: 4, Category: "cf", Hook: hookStringGetCString})
}

func hookGetTypeID(ctx *Context, args []uint64) (uint64, error) {
	o, err := ctx.Objects.Resolve(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	return o.TypeID(), nil
}

func hookStringTypeID(ctx *Context, args []uint64) (uint64, error) {
	return cf.TypeString, nil
}

func hookDataTypeID(ctx *Context, args []uint64) (uint64, error) {
	return cf.TypeData, nil
}

func hookDataGetLength(ctx *Context, args []uint64) (uint64, error) {
	d, err := ctx.Objects.Data(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	return uint64(len(d)), nil
}

// _CFDataGetBytes(data, rangeStart, rangeEnd, buf) copies the byte
// range out of the buffer object into emulated memory.
func hookDataGetBytes(ctx *Context, args []uint64) (uint64, error) {
	d, err := ctx.Objects.Data(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	start, end := args[1], args[2]
	if start > end || end > uint64(len(d)) {
		return 0, fmt.Errorf("stubs: data range [%d:%d] out of bounds (%d bytes)", start, end, len(d))
	}
	chunk := d[start:end]
	if err := ctx.Emu.MemWrite(args[3], chunk); err != nil {
		return 0, err
	}
	return uint64(len(chunk)), nil
}

func hookDictionaryCreateMutable(ctx *Context, args []uint64) (uint64, error) {
	return uint64(ctx.Objects.Intern(cf.Dictionary{})), nil
}

// _CFDictionarySetValue(dict, key, value): key and value both arrive
// as object handles.
func hookDictionarySetValue(ctx *Context, args []uint64) (uint64, error) {
	key, err := ctx.Objects.String(cf.Handle(args[1]))
	if err != nil {
		return 0, err
	}
	val, err := ctx.Objects.Resolve(cf.Handle(args[2]))
	if err != nil {
		return 0, err
	}
	d, err := ctx.Objects.Dictionary(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	d.Set(string(key), val)
	return 0, nil
}

// _CFDictionaryGetValue(dict, key) resolves the key handle to a string
// and interns a fresh handle for the value found. A missing key is
// fatal: the fixture dataset must cover every key the binary asks for.
func hookDictionaryGetValue(ctx *Context, args []uint64) (uint64, error) {
	var key string
	if args[1] == sentinelUUIDKey {
		key = volumeUUIDKey
	} else {
		s, err := ctx.Objects.String(cf.Handle(args[1]))
		if err != nil {
			return 0, err
		}
		key = string(s)
	}

	d, err := ctx.Objects.Dictionary(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	val, err := d.Get(key)
	if err != nil {
		return 0, err
	}
	return uint64(ctx.Objects.Intern(val)), nil
}

// _CFUUIDCreateString(allocator, uuid) is the identity on the uuid
// argument: the disk-description fixture already stores the UUID as a
// string object.
func hookUUIDCreateString(ctx *Context, args []uint64) (uint64, error) {
	return args[1], nil
}

func hookStringGetLength(ctx *Context, args []uint64) (uint64, error) {
	s, err := ctx.Objects.String(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	return uint64(len(s)), nil
}

// _CFStringGetMaximumSizeForEncoding(length, encoding) is the identity
// on length; every fixture string is ASCII.
func hookStringMaxSize(ctx *Context, args []uint64) (uint64, error) {
	return args[0], nil
}

// _CFStringGetCString(str, buf, bufLen, encoding) copies the string's
// bytes into the caller's buffer, truncating at the caller-provided
// capacity, and returns the number of bytes written.
func hookStringGetCString(ctx *Context, args []uint64) (uint64, error) {
	s, err := ctx.Objects.String(cf.Handle(args[0]))
	if err != nil {
		return 0, err
	}
	buf := []byte(s)
	if capacity := args[2]; uint64(len(buf)) > capacity {
		buf = buf[:capacity]
	}
	if err := ctx.Emu.MemWrite(args[1], buf); err != nil {
		return 0, err
	}
	return uint64(len(buf)), nil
}
