package topology

import (
	"errors"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestFormat_NumberRange(t *testing.T) {
	f := NumberRange(ptr(0), ptr(100))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"inside", 42, 42.0},
		{"below", -5, 0.0},
		{"above", 250.5, 100.0},
		{"numeric string", "17.5", 17.5},
		{"garbage string", "warm", nil},
		{"bool", true, nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Transform(tt.in)
			if !EqualValues(got, tt.want) {
				t.Errorf("Transform(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormat_StringEnum(t *testing.T) {
	f := StringEnum("open", "closed", "stopped")

	if got := f.Transform("OPEN"); got != "open" {
		t.Errorf("Transform(OPEN) = %v, want open", got)
	}
	if got := f.Transform("opening"); got != nil {
		t.Errorf("Transform(opening) = %v, want nil", got)
	}
	if got := f.Inverse("Closed"); got != "closed" {
		t.Errorf("Inverse(Closed) = %v, want closed", got)
	}
	if got := f.Transform(1); got != nil {
		t.Errorf("Transform(1) = %v, want nil", got)
	}
}

func TestFormat_CombinedEnum(t *testing.T) {
	f := CombinedEnum(
		CombinedItem{Device: "heat", Raw: 1, Mapped: "heating"},
		CombinedItem{Device: "cool", Raw: 2, Mapped: "cooling"},
		CombinedItem{Device: "off", Mapped: "off"},
	)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"device token", "HEAT", "heating"},
		{"raw item", 2, "cooling"},
		{"raw item as float", 2.0, "cooling"},
		{"token without raw", "off", "off"},
		{"unknown", "auto", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Transform(tt.in); !EqualValues(got, tt.want) {
				t.Errorf("Transform(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if got := f.Inverse("cooling"); !EqualValues(got, 2) {
		t.Errorf("Inverse(cooling) = %v, want 2", got)
	}
	if got := f.Inverse("off"); got != "off" {
		t.Errorf("Inverse(off) = %v, want device token off", got)
	}
	if got := f.Inverse("auto"); got != nil {
		t.Errorf("Inverse(auto) = %v, want nil", got)
	}
}

// Every value in a format's device domain survives Transform then Inverse.
func TestFormat_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format *Format
		domain []any
	}{
		{
			name:   "number range",
			format: NumberRange(ptr(-20), ptr(60)),
			domain: []any{-20, -3.5, 0, 21, 59.9, 60},
		},
		{
			name:   "open number range",
			format: NumberRange(nil, nil),
			domain: []any{-1e6, 0, 1e6},
		},
		{
			name:   "string enum",
			format: StringEnum("low", "medium", "high"),
			domain: []any{"low", "medium", "high"},
		},
		{
			name: "combined enum",
			format: CombinedEnum(
				CombinedItem{Raw: 0, Mapped: false},
				CombinedItem{Raw: 1, Mapped: true},
			),
			domain: []any{0, 1},
		},
		{
			name: "combined enum device tokens",
			format: CombinedEnum(
				CombinedItem{Device: "on", Mapped: 1},
				CombinedItem{Device: "off", Mapped: 0},
			),
			domain: []any{"on", "off"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range tt.domain {
				got := tt.format.Inverse(tt.format.Transform(v))
				if !EqualValues(got, v) {
					t.Errorf("Inverse(Transform(%v)) = %v", v, got)
				}
			}
		})
	}
}

func TestFormat_ResolveDataType(t *testing.T) {
	tests := []struct {
		name     string
		format   *Format
		declared DataType
		want     DataType
	}{
		{"nil format", nil, DataTypeString, DataTypeString},
		{"number range", NumberRange(nil, nil), DataTypeFloat, DataTypeFloat},
		{
			name:     "all booleans",
			format:   CombinedEnum(CombinedItem{Raw: 0, Mapped: false}, CombinedItem{Raw: 1, Mapped: true}),
			declared: DataTypeInteger,
			want:     DataTypeBoolean,
		},
		{
			name:     "integers and floats",
			format:   CombinedEnum(CombinedItem{Raw: 0, Mapped: 1}, CombinedItem{Raw: 1, Mapped: 1.5}),
			declared: DataTypeString,
			want:     DataTypeFloat,
		},
		{
			name:     "ambiguous",
			format:   CombinedEnum(CombinedItem{Raw: 0, Mapped: "off"}, CombinedItem{Raw: 1, Mapped: true}),
			declared: DataTypeEnum,
			want:     DataTypeEnum,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.ResolveDataType(tt.declared); got != tt.want {
				t.Errorf("ResolveDataType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		format  *Format
		wantErr bool
	}{
		{"nil", nil, false},
		{"range", NumberRange(ptr(0), ptr(1)), false},
		{"inverted range", NumberRange(ptr(5), ptr(1)), true},
		{"empty enum", StringEnum(), true},
		{"empty combined", CombinedEnum(), true},
		{"incomplete item", CombinedEnum(CombinedItem{Mapped: "x"}), true},
		{"duplicate mapped", CombinedEnum(CombinedItem{Raw: 1, Mapped: "a"}, CombinedItem{Raw: 2, Mapped: "a"}), true},
		{"unknown type", &Format{Type: "bitmask"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Validate() error = %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestFormat_DeepCopy(t *testing.T) {
	orig := CombinedEnum(CombinedItem{Raw: map[string]any{"bit": 1}, Mapped: "a"})
	cpy := orig.DeepCopy()
	cpy.Items[0].Raw.(map[string]any)["bit"] = 2

	if orig.Items[0].Raw.(map[string]any)["bit"] != 1 {
		t.Error("DeepCopy shares nested raw values with the original")
	}
}
