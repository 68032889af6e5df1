package model

import (
	"strings"
	"time"
)

// Category is the CBSD device class.
type Category string

const (
	// CategoryA is indoor / low power.
	CategoryA Category = "A"
	// CategoryB is outdoor / high power; installation params are mandatory.
	CategoryB Category = "B"
)

// SASProvider names the SAS a device is registered with.
type SASProvider string

const (
	ProviderGoogle            SASProvider = "google"
	ProviderFederatedWireless SASProvider = "federated-wireless"
	ProviderOther             SASProvider = "other"
)

// Valid reports whether p is a known provider.
func (p SASProvider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderFederatedWireless, ProviderOther:
		return true
	}
	return false
}

// CBSDState is the device-level lifecycle state. Apart from UNREGISTERED and
// DEREGISTERED it is derived from the device's grants.
type CBSDState string

const (
	StateUnregistered CBSDState = "UNREGISTERED"
	StateRegistered   CBSDState = "REGISTERED"
	StateGranted      CBSDState = "GRANTED"
	StateAuthorized   CBSDState = "AUTHORIZED"
	StateSuspended    CBSDState = "SUSPENDED"
	StateDeregistered CBSDState = "DEREGISTERED"
)

// IsRegistered reports whether the state is REGISTERED or later (but not
// retired).
func (s CBSDState) IsRegistered() bool {
	switch s {
	case StateRegistered, StateGranted, StateAuthorized, StateSuspended:
		return true
	}
	return false
}

// Height references.
const (
	HeightAGL  = "AGL"
	HeightAMSL = "AMSL"
)

// Registration defaults applied when the operator leaves them blank.
const (
	DefaultHeightMeters             = 1.5
	DefaultHorizontalAccuracyMeters = 50.0
	DefaultVerticalAccuracyMeters   = 3.0
	DefaultRadioTechnology          = "E_UTRA"
)

// InstallationParam describes where and how the radio is mounted. Optional
// values are pointers so "unset" is distinguishable from zero.
type InstallationParam struct {
	Latitude           float64  `json:"latitude"`
	Longitude          float64  `json:"longitude"`
	Height             *float64 `json:"height,omitempty"`
	HeightType         string   `json:"heightType,omitempty"`
	HorizontalAccuracy *float64 `json:"horizontalAccuracy,omitempty"`
	VerticalAccuracy   *float64 `json:"verticalAccuracy,omitempty"`
	IndoorDeployment   bool     `json:"indoorDeployment"`
	AntennaAzimuth     *float64 `json:"antennaAzimuth,omitempty"`
	AntennaDowntilt    *float64 `json:"antennaDowntilt,omitempty"`
	AntennaGain        *float64 `json:"antennaGain,omitempty"`
	AntennaBeamwidth   *float64 `json:"antennaBeamwidth,omitempty"`
}

// CBSDInfo is optional vendor metadata sent at registration.
type CBSDInfo struct {
	Vendor          string `json:"vendor,omitempty"`
	Model           string `json:"model,omitempty"`
	SoftwareVersion string `json:"softwareVersion,omitempty"`
	HardwareVersion string `json:"hardwareVersion,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

// AirInterface identifies the radio technology.
type AirInterface struct {
	RadioTechnology string `json:"radioTechnology"`
}

// CBSD is one radio under management.
type CBSD struct {
	// ID is the controller's own identifier; stable across registrations.
	ID string `json:"id"`

	CBSDSerialNumber string       `json:"cbsdSerialNumber"`
	FCCID            string       `json:"fccId"`
	CallSign         string       `json:"callSign,omitempty"`
	UserID           string       `json:"userId,omitempty"`
	SASProviderID    SASProvider  `json:"sasProviderId"`
	Category         Category     `json:"cbsdCategory"`
	Info             *CBSDInfo    `json:"cbsdInfo,omitempty"`
	AirInterface     AirInterface `json:"airInterface"`

	InstallationParam *InstallationParam `json:"installationParam,omitempty"`
	MeasCapability    []string           `json:"measCapability,omitempty"`

	State CBSDState `json:"state"`
	// CBSDID is assigned by the SAS on registration and cleared on
	// deregistration.
	CBSDID            string    `json:"cbsdId,omitempty"`
	RegistrationTime  time.Time `json:"registrationTime,omitempty"`
	LastHeartbeatTime time.Time `json:"lastHeartbeatTime,omitempty"`

	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ValidateRegistration checks the identity and installation fields that
// must be present before a registration request is sent.
func (c CBSD) ValidateRegistration() error {
	if strings.TrimSpace(c.CBSDSerialNumber) == "" {
		return invalidParam("cbsdSerialNumber", nil, "is required")
	}
	if strings.TrimSpace(c.FCCID) == "" {
		return invalidParam("fccId", nil, "is required")
	}
	if !c.SASProviderID.Valid() {
		return invalidParam("sasProviderId", c.SASProviderID, "must be google, federated-wireless or other")
	}
	switch c.Category {
	case CategoryA:
		if c.InstallationParam != nil {
			return c.InstallationParam.Validate()
		}
		return nil
	case CategoryB:
		return c.ValidateCategoryB()
	default:
		return invalidParam("cbsdCategory", c.Category, "must be A or B")
	}
}

// ValidateCategoryB enforces the installation parameters a Category B
// device must carry before it may register or request a grant.
func (c CBSD) ValidateCategoryB() error {
	p := c.InstallationParam
	if p == nil {
		return invalidParam("installationParam", nil, "is required for category B")
	}
	if p.Height == nil {
		return invalidParam("installationParam.height", nil, "is required for category B")
	}
	if p.AntennaGain == nil {
		return invalidParam("installationParam.antennaGain", nil, "is required for category B")
	}
	if p.IndoorDeployment {
		return invalidParam("installationParam.indoorDeployment", true, "category B devices must be outdoor")
	}
	return p.Validate()
}

// Validate range-checks the populated fields.
func (p InstallationParam) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return invalidParam("installationParam.latitude", p.Latitude, "must be within [-90, 90]")
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return invalidParam("installationParam.longitude", p.Longitude, "must be within [-180, 180]")
	}
	if p.HeightType != "" && p.HeightType != HeightAGL && p.HeightType != HeightAMSL {
		return invalidParam("installationParam.heightType", p.HeightType, "must be AGL or AMSL")
	}
	if v := p.AntennaAzimuth; v != nil && (*v < 0 || *v > 359) {
		return invalidParam("installationParam.antennaAzimuth", *v, "must be within [0, 359]")
	}
	if v := p.AntennaDowntilt; v != nil && (*v < -90 || *v > 90) {
		return invalidParam("installationParam.antennaDowntilt", *v, "must be within [-90, 90]")
	}
	if v := p.AntennaGain; v != nil && (*v < -127 || *v > 128) {
		return invalidParam("installationParam.antennaGain", *v, "must be within [-127, 128] dBi")
	}
	if v := p.AntennaBeamwidth; v != nil && (*v < 0 || *v > 360) {
		return invalidParam("installationParam.antennaBeamwidth", *v, "must be within [0, 360]")
	}
	return nil
}

// WithRegistrationDefaults returns a copy of p with unset height and accuracy
// fields filled in.
func (p InstallationParam) WithRegistrationDefaults() InstallationParam {
	if p.Height == nil {
		p.Height = float64Ptr(DefaultHeightMeters)
	}
	if p.HeightType == "" {
		p.HeightType = HeightAGL
	}
	if p.HorizontalAccuracy == nil {
		p.HorizontalAccuracy = float64Ptr(DefaultHorizontalAccuracyMeters)
	}
	if p.VerticalAccuracy == nil {
		p.VerticalAccuracy = float64Ptr(DefaultVerticalAccuracyMeters)
	}
	return p
}

// Clone returns a deep copy of c.
func (c CBSD) Clone() CBSD {
	out := c
	if c.Info != nil {
		info := *c.Info
		out.Info = &info
	}
	if c.InstallationParam != nil {
		p := *c.InstallationParam
		out.InstallationParam = &p
	}
	if c.MeasCapability != nil {
		out.MeasCapability = append([]string(nil), c.MeasCapability...)
	}
	return out
}

// RcvdPowerMeasReport is one received-power measurement.
type RcvdPowerMeasReport struct {
	MeasFrequency int64   `json:"measFrequency"`
	MeasBandwidth int64   `json:"measBandwidth"`
	MeasRcvdPower float64 `json:"measRcvdPower"`
}

// MeasReport is attached to a heartbeat when the device has measurements.
type MeasReport struct {
	RcvdPowerMeasReports []RcvdPowerMeasReport `json:"rcvdPowerMeasReports,omitempty"`
}

// Float64 returns a pointer to v, for building optional installation fields.
func Float64(v float64) *float64 { return float64Ptr(v) }

func float64Ptr(v float64) *float64 { return &v }
