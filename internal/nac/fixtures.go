package nac

import (
	_ "embed"
	"fmt"

	"github.com/google/uuid"

	"github.com/blacktop/go-plist"

	"github.com/Kab1r/rustpush/internal/cf"
)

// data.plist is the bundled fixture dataset: fabricated hardware and
// OS identifiers the hooks use to answer registry and device queries
// deterministically. It is read-only during emulation.
//
//go:embed data.plist
var fixtureData []byte

// Fixtures is the decoded fixture dataset. It satisfies
// stubs.PropertyProvider.
type Fixtures struct {
	iokit        map[string]cf.Object
	rootDiskUUID string
}

type rawFixtures struct {
	IOKit        map[string]any `plist:"iokit"`
	RootDiskUUID string         `plist:"root_disk_uuid"`
}

// LoadFixtures decodes and validates the bundled fixture dataset.
func LoadFixtures() (*Fixtures, error) {
	return parseFixtures(fixtureData)
}

func parseFixtures(data []byte) (*Fixtures, error) {
	var raw rawFixtures
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("nac: decode fixture dataset: %w", err)
	}
	if len(raw.IOKit) == 0 {
		return nil, fmt.Errorf("nac: fixture dataset has no registry properties")
	}
	if _, err := uuid.Parse(raw.RootDiskUUID); err != nil {
		return nil, fmt.Errorf("nac: fixture root disk UUID %q: %w", raw.RootDiskUUID, err)
	}

	fx := &Fixtures{
		iokit:        make(map[string]cf.Object, len(raw.IOKit)),
		rootDiskUUID: raw.RootDiskUUID,
	}
	for key, val := range raw.IOKit {
		switch v := val.(type) {
		case string:
			fx.iokit[key] = cf.String(v)
		case []byte:
			fx.iokit[key] = cf.Data(v)
		default:
			return nil, fmt.Errorf("nac: fixture property %q has unsupported type %T", key, val)
		}
	}
	return fx, nil
}

// IOKitProperty returns the fixture value under a registry property
// key.
func (f *Fixtures) IOKitProperty(key string) (cf.Object, bool) {
	v, ok := f.iokit[key]
	return v, ok
}

// RootDiskUUID returns the fabricated boot-volume UUID string.
func (f *Fixtures) RootDiskUUID() string { return f.rootDiskUUID }
