// Package flag turns the command line and the YAML configuration file into
// a vmm.Config and runs the selected sub-command.
package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSize = errors.New("can't parse as num[gGmMkK]")

var sizeShift = map[string]uint{ //nolint:gochecknoglobals
	"":  0,
	"k": 10,
	"K": 10,
	"m": 20,
	"M": 20,
	"g": 30,
	"G": 30,
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base.
func ParseSize(s, unit string) (int, error) {
	s = strings.TrimSpace(s)

	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: %w", s, ErrSize)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("%q: %w", s, err)
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	shift, ok := sizeShift[unit]
	if !ok {
		return -1, fmt.Errorf("%q: unit %q: %w", s, unit, ErrSize)
	}

	return int(amt << shift), nil
}
