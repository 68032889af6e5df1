package model

import (
	"errors"
	"testing"
)

func TestIsValidRange(t *testing.T) {
	tests := []struct {
		name string
		r    FrequencyRange
		want bool
	}{
		{"in band", FrequencyRange{3_550_000_000, 3_560_000_000}, true},
		{"full band", FrequencyRange{CBRSMinFrequencyHz, CBRSMaxFrequencyHz}, true},
		{"low below band", FrequencyRange{3_540_000_000, 3_560_000_000}, false},
		{"high above band", FrequencyRange{3_690_000_000, 3_710_000_000}, false},
		{"inverted", FrequencyRange{3_600_000_000, 3_590_000_000}, false},
		{"empty", FrequencyRange{3_600_000_000, 3_600_000_000}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidRange(tc.r); got != tc.want {
				t.Fatalf("IsValidRange(%v) = %v, want %v", tc.r, got, tc.want)
			}
			err := tc.r.Validate()
			if tc.want && err != nil {
				t.Fatalf("Validate(%v) = %v, want nil", tc.r, err)
			}
			if !tc.want && !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Validate(%v) = %v, want ErrInvalidParameter", tc.r, err)
			}
		})
	}
}

func TestIsValidFrequencyBounds(t *testing.T) {
	if !IsValidFrequency(CBRSMinFrequencyHz) || !IsValidFrequency(CBRSMaxFrequencyHz) {
		t.Fatalf("band edges must be valid")
	}
	if IsValidFrequency(CBRSMinFrequencyHz-1) || IsValidFrequency(CBRSMaxFrequencyHz+1) {
		t.Fatalf("frequencies just outside the band must be invalid")
	}
}

func TestOverlaps(t *testing.T) {
	a := FrequencyRange{3_550_000_000, 3_560_000_000}
	b := FrequencyRange{3_555_000_000, 3_565_000_000}
	c := FrequencyRange{3_560_000_000, 3_570_000_000}
	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatalf("expected %v and %v to overlap", a, b)
	}
	if a.Overlaps(c) {
		t.Fatalf("adjacent ranges %v and %v must not overlap", a, c)
	}
}

func TestOperationParamEIRPCeiling(t *testing.T) {
	op := OperationParam{MaxEIRP: 35, OperationFrequencyRange: FrequencyRange{3_550_000_000, 3_560_000_000}}
	if err := op.Validate(CategoryB); err != nil {
		t.Fatalf("category B at 35 dBm/MHz: %v", err)
	}
	var ipe *InvalidParameterError
	if err := op.Validate(CategoryA); !errors.As(err, &ipe) || ipe.Field != "maxEirp" {
		t.Fatalf("category A at 35 dBm/MHz = %v, want maxEirp InvalidParameterError", err)
	}
}
