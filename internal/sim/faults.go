package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFault is returned by ParseFaults.
var ErrInvalidFault = errors.New("invalid fault")

// FaultKind is the failure a Fault injects.
type FaultKind string

const (
	// FaultLoadError fails the request at first byte with an HTTP status.
	FaultLoadError FaultKind = "load-error"
	// FaultTimeout delivers no bytes until Config.LoadTimeout has passed.
	FaultTimeout FaultKind = "timeout"
	// FaultAppend makes the sink reject the fragment's append.
	FaultAppend FaultKind = "append-error"
)

// Fault injects a failure into the first Times attempts at fragment SN,
// whatever level they are loaded from.
type Fault struct {
	SN     int       `json:"sn"`
	Kind   FaultKind `json:"kind"`
	Times  int       `json:"times"`
	Status int       `json:"status,omitempty"`
}

// ParseFaults reads "sn:kind[:times[:status]]" entries separated by commas,
// for example "3:load-error:2:503,8:append-error".
func ParseFaults(s string) ([]Fault, error) {
	var out []Fault
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.Split(field, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFault, field)
		}
		sn, err := strconv.Atoi(parts[0])
		if err != nil || sn < 0 {
			return nil, fmt.Errorf("%w: sn %q", ErrInvalidFault, parts[0])
		}
		f := Fault{SN: sn, Kind: FaultKind(parts[1]), Times: 1}
		switch f.Kind {
		case FaultLoadError:
			f.Status = 500
		case FaultTimeout, FaultAppend:
		default:
			return nil, fmt.Errorf("%w: kind %q", ErrInvalidFault, parts[1])
		}
		if len(parts) > 2 {
			if f.Times, err = strconv.Atoi(parts[2]); err != nil || f.Times < 1 {
				return nil, fmt.Errorf("%w: times %q", ErrInvalidFault, parts[2])
			}
		}
		if len(parts) > 3 {
			if f.Kind != FaultLoadError {
				return nil, fmt.Errorf("%w: %s takes no status", ErrInvalidFault, f.Kind)
			}
			if f.Status, err = strconv.Atoi(parts[3]); err != nil || f.Status < 400 || f.Status > 599 {
				return nil, fmt.Errorf("%w: status %q", ErrInvalidFault, parts[3])
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// faultPlan hands out the configured faults, each at most Times times.
type faultPlan struct {
	left map[int]map[FaultKind]*Fault
}

func newFaultPlan(faults []Fault) *faultPlan {
	p := &faultPlan{left: make(map[int]map[FaultKind]*Fault)}
	for _, f := range faults {
		if f.Times < 1 {
			f.Times = 1
		}
		byKind := p.left[f.SN]
		if byKind == nil {
			byKind = make(map[FaultKind]*Fault)
			p.left[f.SN] = byKind
		}
		if prev := byKind[f.Kind]; prev != nil {
			prev.Times += f.Times
			continue
		}
		byKind[f.Kind] = &f
	}
	return p
}

// take returns the first pending fault of kinds at sn and consumes one use.
func (p *faultPlan) take(sn int, kinds ...FaultKind) (Fault, bool) {
	for _, k := range kinds {
		f := p.left[sn][k]
		if f == nil || f.Times == 0 {
			continue
		}
		f.Times--
		return *f, true
	}
	return Fault{}, false
}
