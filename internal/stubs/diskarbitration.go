package stubs

import (
	"github.com/Kab1r/rustpush/internal/cf"
)

// Sentinel handles for the opaque session and disk references.
const (
	daSessionHandle = 201
	daDiskHandle    = 202
)

func init() {
	Register(Def{Name: "_DASessionCreate", Args: 0, Category: "diskarb", Hook: hookSessionCreate})
	Register(Def{Name: "_DADiskCreateFromBSDName", Args: 0, Category: "diskarb", Hook: hookDiskCreateFromBSDName})
	Register(Def{Name: "_kDADiskDescriptionVolumeUUIDKey", Args: 0, Category: "diskarb", Hook: hookNop})
	Register(Def{Name: "_DADiskCopyDescription", Args: 0, Category: "diskarb", Hook: hookDiskCopyDescription})
}

func hookSessionCreate(ctx *Context, args []uint64) (uint64, error) {
	return daSessionHandle, nil
}

func hookDiskCreateFromBSDName(ctx *Context, args []uint64) (uint64, error) {
	return daDiskHandle, nil
}

// _DADiskCopyDescription fabricates the disk-description dictionary:
// a fresh mutable dictionary holding just the boot volume's UUID
// string from the fixture dataset.
func hookDiskCopyDescription(ctx *Context, args []uint64) (uint64, error) {
	d := cf.Dictionary{
		volumeUUIDKey: cf.String(ctx.Fixtures.RootDiskUUID()),
	}
	return uint64(ctx.Objects.Intern(d)), nil
}
