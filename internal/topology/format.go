package topology

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatType discriminates the Format variants.
type FormatType string

const (
	// FormatNumberRange bounds a numeric value to [Min, Max].
	FormatNumberRange FormatType = "number_range"

	// FormatStringEnum restricts a value to a fixed token list.
	FormatStringEnum FormatType = "string_enum"

	// FormatCombinedEnum translates device tokens or raw values into canonical items.
	FormatCombinedEnum FormatType = "combined_enum"
)

// CombinedItem is one row of a combined enum: the device's own token, the raw
// value used on the wire, and the canonical value exposed to consumers.
type CombinedItem struct {
	Device string `json:"device,omitempty"`
	Raw    any    `json:"raw"`
	Mapped any    `json:"mapped"`
}

// Format is a value-transform descriptor attached to a property.
// Only the fields belonging to Type are meaningful.
type Format struct {
	Type FormatType `json:"type"`

	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	Tokens []string `json:"tokens,omitempty"`

	Items []CombinedItem `json:"items,omitempty"`
}

// NumberRange builds a number range format. Nil bounds are open.
func NumberRange(lower, upper *float64) *Format {
	return &Format{Type: FormatNumberRange, Min: lower, Max: upper}
}

// StringEnum builds a string enum format.
func StringEnum(tokens ...string) *Format {
	return &Format{Type: FormatStringEnum, Tokens: tokens}
}

// CombinedEnum builds a combined enum format.
func CombinedEnum(items ...CombinedItem) *Format {
	return &Format{Type: FormatCombinedEnum, Items: items}
}

// DeepCopy returns an independent copy of the format.
func (f *Format) DeepCopy() *Format {
	if f == nil {
		return nil
	}
	cpy := *f
	if f.Min != nil {
		v := *f.Min
		cpy.Min = &v
	}
	if f.Max != nil {
		v := *f.Max
		cpy.Max = &v
	}
	if f.Tokens != nil {
		cpy.Tokens = append([]string(nil), f.Tokens...)
	}
	if f.Items != nil {
		cpy.Items = make([]CombinedItem, len(f.Items))
		for i, item := range f.Items {
			cpy.Items[i] = CombinedItem{
				Device: item.Device,
				Raw:    deepCopyValue(item.Raw),
				Mapped: deepCopyValue(item.Mapped),
			}
		}
	}
	return &cpy
}

// Validate checks the format is well formed.
func (f *Format) Validate() error {
	if f == nil {
		return nil
	}
	switch f.Type {
	case FormatNumberRange:
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("%w: min %v greater than max %v", ErrInvalidFormat, *f.Min, *f.Max)
		}
	case FormatStringEnum:
		if len(f.Tokens) == 0 {
			return fmt.Errorf("%w: string enum without tokens", ErrInvalidFormat)
		}
	case FormatCombinedEnum:
		if len(f.Items) == 0 {
			return fmt.Errorf("%w: combined enum without items", ErrInvalidFormat)
		}
		for i, item := range f.Items {
			if item.Mapped == nil || (item.Raw == nil && item.Device == "") {
				return fmt.Errorf("%w: combined enum item %d is incomplete", ErrInvalidFormat, i)
			}
			for _, other := range f.Items[:i] {
				if EqualValues(other.Mapped, item.Mapped) {
					return fmt.Errorf("%w: combined enum mapped item %v is not unique", ErrInvalidFormat, item.Mapped)
				}
			}
		}
	default:
		return fmt.Errorf("%w: unknown format type %q", ErrInvalidFormat, f.Type)
	}
	return nil
}

// Transform converts a device value into its canonical form.
// A nil result means the value has no canonical representation.
func (f *Format) Transform(v any) any {
	if f == nil || v == nil {
		return v
	}
	switch f.Type {
	case FormatNumberRange:
		return f.clamp(v)
	case FormatStringEnum:
		return f.matchToken(v)
	case FormatCombinedEnum:
		for _, item := range f.Items {
			if item.Device != "" && equalFold(item.Device, v) {
				return item.Mapped
			}
			if item.Raw != nil && equalFold(item.Raw, v) {
				return item.Mapped
			}
		}
		return nil
	}
	return nil
}

// Inverse converts a canonical value back into the device form.
func (f *Format) Inverse(v any) any {
	if f == nil || v == nil {
		return v
	}
	switch f.Type {
	case FormatNumberRange:
		return f.clamp(v)
	case FormatStringEnum:
		return f.matchToken(v)
	case FormatCombinedEnum:
		for _, item := range f.Items {
			if equalFold(item.Mapped, v) {
				if item.Raw != nil {
					return item.Raw
				}
				return item.Device
			}
		}
		return nil
	}
	return nil
}

// ResolveDataType picks the data type a value transformed by f will have.
// Combined enums report the single type shared by all mapped items; anything
// ambiguous falls back to declared.
func (f *Format) ResolveDataType(declared DataType) DataType {
	if f == nil || f.Type != FormatCombinedEnum || len(f.Items) == 0 {
		return declared
	}
	var resolved DataType
	for _, item := range f.Items {
		dt := dataTypeOf(item.Mapped)
		if dt == "" {
			return declared
		}
		if resolved == "" {
			resolved = dt
			continue
		}
		if resolved != dt {
			if isNumeric(resolved) && isNumeric(dt) {
				resolved = DataTypeFloat
				continue
			}
			return declared
		}
	}
	return resolved
}

func (f *Format) clamp(v any) any {
	n, ok := toFloat(v)
	if !ok {
		s, isString := v.(string)
		if !isString {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		n = parsed
	}
	if math.IsNaN(n) {
		return nil
	}
	if f.Min != nil && n < *f.Min {
		n = *f.Min
	}
	if f.Max != nil && n > *f.Max {
		n = *f.Max
	}
	return n
}

func (f *Format) matchToken(v any) any {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	for _, token := range f.Tokens {
		if strings.EqualFold(token, s) {
			return token
		}
	}
	return nil
}

func dataTypeOf(v any) DataType {
	switch val := v.(type) {
	case bool:
		return DataTypeBoolean
	case string:
		return DataTypeString
	default:
		n, ok := toFloat(val)
		if !ok {
			return ""
		}
		if n == math.Trunc(n) {
			return DataTypeInteger
		}
		return DataTypeFloat
	}
}

func isNumeric(t DataType) bool {
	return t == DataTypeInteger || t == DataTypeFloat
}
