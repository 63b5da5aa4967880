package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a YAML-parseable wrapper around shopspring's decimal. Grid
// parameters parsed as floats would pick up binary noise before the first
// order is sized, so values go straight from the scalar text to an exact
// decimal.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decimal must be a scalar: %w", err)
	}
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	d.Decimal = parsed
	return nil
}

// MarshalYAML emits the exact string form, keeping round-trips lossless.
func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.Decimal.String(), nil
}
