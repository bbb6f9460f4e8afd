// Package bytesize reads sizes such as "64MB" from config files.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Binary units.
const (
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
	TB int64 = 1 << 40
)

var units = map[string]int64{
	"": 1, "B": 1,
	"K": KB, "KB": KB,
	"M": MB, "MB": MB,
	"G": GB, "GB": GB,
	"T": TB, "TB": TB,
}

// Size is a byte count written in YAML as a plain number of bytes or a
// number with a unit ("1GB", "1.5 MB").
type Size int64

func parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	num := strings.TrimRightFunc(s, unicode.IsLetter)
	unit := strings.ToUpper(s[len(num):])
	mult, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// UnmarshalYAML accepts a scalar size.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", n.Line)
	}
	v, err := parse(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

// MB returns the size in whole megabytes, the unit trackers compare free
// space in.
func (s Size) MB() int64 { return int64(s) / MB }

func (s Size) String() string {
	for _, u := range []struct {
		n    int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if int64(s) >= u.n {
			return fmt.Sprintf("%.2f %s", float64(s)/float64(u.n), u.name)
		}
	}
	return fmt.Sprintf("%d B", int64(s))
}
