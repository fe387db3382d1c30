package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that accepts suffixed forms such as "64MB" in YAML.
type ByteSize int64

const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

// ParseByteSize parses "1048576", "512KB", "64MB" or "1GB".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := ByteSize(1)
	for _, suffix := range []struct {
		text string
		mult ByteSize
	}{{"GB", GiB}, {"MB", MiB}, {"KB", KiB}, {"B", 1}} {
		if strings.HasSuffix(s, suffix.text) {
			mult = suffix.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix.text))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return ByteSize(n) * mult, nil
}

// UnmarshalYAML accepts either an integer or a suffixed string.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

func (b ByteSize) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGB", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMB", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKB", b/KiB)
	}
	return strconv.FormatInt(int64(b), 10)
}
