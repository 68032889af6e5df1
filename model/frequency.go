package model

import (
	"fmt"
)

// CBRS band limits in Hz.
const (
	CBRSMinFrequencyHz int64 = 3_550_000_000
	CBRSMaxFrequencyHz int64 = 3_700_000_000
	CBRSBandwidthHz    int64 = CBRSMaxFrequencyHz - CBRSMinFrequencyHz
)

// EIRP limits in dBm/MHz.
const (
	MinEIRPdBmPerMHz       = -137.0
	MaxEIRPCategoryAPerMHz = 30.0
	MaxEIRPCategoryBPerMHz = 47.0
)

// FrequencyRange is a half-open span of spectrum expressed in Hz.
type FrequencyRange struct {
	LowFrequency  int64 `json:"lowFrequency"`
	HighFrequency int64 `json:"highFrequency"`
}

// IsValidFrequency reports whether hz lies inside the CBRS band.
func IsValidFrequency(hz int64) bool {
	return hz >= CBRSMinFrequencyHz && hz <= CBRSMaxFrequencyHz
}

// IsValidRange reports whether both endpoints are in band and low < high.
func IsValidRange(r FrequencyRange) bool {
	return IsValidFrequency(r.LowFrequency) &&
		IsValidFrequency(r.HighFrequency) &&
		r.LowFrequency < r.HighFrequency
}

// Validate returns an *InvalidParameterError describing why r is not usable.
func (r FrequencyRange) Validate() error {
	switch {
	case !IsValidFrequency(r.LowFrequency):
		return invalidParam("lowFrequency", r.LowFrequency, "outside CBRS band %d-%d Hz", CBRSMinFrequencyHz, CBRSMaxFrequencyHz)
	case !IsValidFrequency(r.HighFrequency):
		return invalidParam("highFrequency", r.HighFrequency, "outside CBRS band %d-%d Hz", CBRSMinFrequencyHz, CBRSMaxFrequencyHz)
	case r.LowFrequency >= r.HighFrequency:
		return invalidParam("operationFrequencyRange", r.String(), "lowFrequency must be below highFrequency")
	}
	return nil
}

// Bandwidth returns the width of the range in Hz.
func (r FrequencyRange) Bandwidth() int64 {
	return r.HighFrequency - r.LowFrequency
}

// Overlaps reports whether r and o share any spectrum. Touching edges do not
// overlap.
func (r FrequencyRange) Overlaps(o FrequencyRange) bool {
	return r.LowFrequency < o.HighFrequency && o.LowFrequency < r.HighFrequency
}

func (r FrequencyRange) String() string {
	return fmt.Sprintf("%.1f-%.1f MHz", float64(r.LowFrequency)/1e6, float64(r.HighFrequency)/1e6)
}

// MaxEIRPFor returns the EIRP ceiling in dBm/MHz for a device category.
func MaxEIRPFor(cat Category) float64 {
	if cat == CategoryB {
		return MaxEIRPCategoryBPerMHz
	}
	return MaxEIRPCategoryAPerMHz
}

// OperationParam is the requested (or granted) power and spectrum.
type OperationParam struct {
	MaxEIRP                 float64        `json:"maxEirp"`
	OperationFrequencyRange FrequencyRange `json:"operationFrequencyRange"`
}

// Validate checks the frequency range and the EIRP against the category
// ceiling.
func (p OperationParam) Validate(cat Category) error {
	if err := p.OperationFrequencyRange.Validate(); err != nil {
		return err
	}
	ceiling := MaxEIRPFor(cat)
	if p.MaxEIRP < MinEIRPdBmPerMHz || p.MaxEIRP > ceiling {
		return invalidParam("maxEirp", p.MaxEIRP, "must be within [%.0f, %.0f] dBm/MHz for category %s", MinEIRPdBmPerMHz, ceiling, cat)
	}
	return nil
}
