package detector

import (
	"context"
	"strconv"

	"github.com/loykin/portswitch/internal/port"
)

// PortDetector reports ready once anything listens on Port. The supervisor
// clears the port before launching, so a new listener belongs to the child
// or one of its descendants.
type PortDetector struct {
	Port   int
	Finder port.Finder
}

func (d PortDetector) Check(ctx context.Context) (bool, error) {
	f := d.Finder
	if f == nil {
		f = port.NetFinder{SkipNames: true}
	}
	hs, err := f.Holders(ctx, d.Port)
	if err != nil {
		return false, err
	}
	return len(hs) > 0, nil
}

func (d PortDetector) Describe() string { return "port:" + strconv.Itoa(d.Port) }
