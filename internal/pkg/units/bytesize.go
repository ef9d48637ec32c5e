package units

import (
	"fmt"
	"strings"

	dockerunits "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Decimal sizes.
const (
	KB = dockerunits.KB
	MB = dockerunits.MB
	GB = dockerunits.GB
	TB = dockerunits.TB
	PB = dockerunits.PB
)

// ByteSize is a size in bytes that can be decoded from YAML
// either as a plain integer or as a human-readable string like "25MB".
type ByteSize int64

func (b ByteSize) String() string {
	return dockerunits.HumanSize(float64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decode size: expected scalar, got %v", value.Tag)
	}

	n, err := dockerunits.FromHumanSize(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("decode size: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("decode size: negative size %q", value.Value)
	}

	*b = ByteSize(n)
	return nil
}
