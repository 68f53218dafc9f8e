package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field maps a logical axis parameter onto the physical key used inside the
// TwinCAT AchsMds listing.
type Field struct {
	Logical  string
	Physical string
	// Scale converts a logical value into TwinCAT units.
	Scale func(string) (string, error)
	// Unscale is the inverse of Scale.
	Unscale func(string) (string, error)
}

var fieldTable = []Field{
	{Logical: "v_max", Physical: "getriebe[0].dynamik.vb_max", Scale: multiplier(1000), Unscale: divider(1000)},
	{Logical: "a_max", Physical: "getriebe[0].dynamik.a_max", Scale: identity, Unscale: identity},
	{Logical: "s_min", Physical: "kenngr.swe_neg", Scale: multiplier(TrafoScaleFactor), Unscale: divider(TrafoScaleFactor)},
	{Logical: "s_max", Physical: "kenngr.swe_pos", Scale: multiplier(TrafoScaleFactor), Unscale: divider(TrafoScaleFactor)},
	{Logical: "s_init", Physical: "antr.abs_pos_offset", Scale: multiplier(TrafoScaleFactor), Unscale: divider(TrafoScaleFactor)},
}

// LookupField returns the mapping for a logical field name.
func LookupField(logical string) (Field, bool) {
	for _, f := range fieldTable {
		if f.Logical == logical {
			return f, true
		}
	}
	return Field{}, false
}

// Fields returns the mapping table in its fixed order.
func Fields() []Field {
	return append([]Field(nil), fieldTable...)
}

func identity(v string) (string, error) { return strings.TrimSpace(v), nil }

func multiplier(factor float64) func(string) (string, error) {
	return func(v string) (string, error) {
		return ScaleInt(v, factor)
	}
}

func divider(factor float64) func(string) (string, error) {
	return func(v string) (string, error) {
		return Divide(v, factor)
	}
}

// ScaleInt multiplies v by factor and truncates the result toward zero.
func ScaleInt(v string, factor float64) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return "", fmt.Errorf("scale %q: %w", v, err)
	}
	scaled := f * factor
	// absorb binary representation error (0.1234*10000 = 1233.9999...)
	// away from zero so both signs truncate the same way
	scaled = math.Trunc(scaled + math.Copysign(1e-7, scaled))
	return strconv.FormatInt(int64(scaled), 10), nil
}

// Divide divides v by factor without rounding.
func Divide(v string, factor float64) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return "", fmt.Errorf("descale %q: %w", v, err)
	}
	return strconv.FormatFloat(f/factor, 'f', -1, 64), nil
}
