// Package bytesize holds the byte-count type used by configuration values
// such as the maximum frame size and the relay in-flight cap.
//
// Values accept binary unit suffixes ("64kb", "1.5Mb", "256KiB"); a bare
// number is a byte count.
package bytesize

import (
	"fmt"

	"github.com/docker/go-units"
)

// Size is a number of bytes.
type Size int64

// Binary units
const (
	KiB Size = units.KiB
	MiB Size = units.MiB
)

// Parse converts a human-readable size into bytes using 1024-based units.
func Parse(s string) (Size, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %q: must not be negative", s)
	}
	return Size(n), nil
}

// Int returns the size as an int, the unit the framer and relay work in.
func (s Size) Int() int {
	return int(s)
}

// String formats the size for log lines, e.g. "64KiB".
func (s Size) String() string {
	return units.BytesSize(float64(s))
}
