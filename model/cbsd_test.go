package model

import (
	"errors"
	"testing"
)

func validCategoryB() CBSD {
	return CBSD{
		CBSDSerialNumber: "SN-001",
		FCCID:            "FCC-XYZ",
		SASProviderID:    ProviderGoogle,
		Category:         CategoryB,
		InstallationParam: &InstallationParam{
			Latitude:    37.42,
			Longitude:   -122.08,
			Height:      Float64(12),
			AntennaGain: Float64(15),
		},
	}
}

func TestValidateRegistrationCategoryB(t *testing.T) {
	if err := validCategoryB().ValidateRegistration(); err != nil {
		t.Fatalf("ValidateRegistration: %v", err)
	}

	missing := validCategoryB()
	missing.InstallationParam = nil
	var ipe *InvalidParameterError
	if err := missing.ValidateRegistration(); !errors.As(err, &ipe) || ipe.Field != "installationParam" {
		t.Fatalf("missing installation params = %v, want installationParam error", err)
	}

	noGain := validCategoryB()
	noGain.InstallationParam.AntennaGain = nil
	if err := noGain.ValidateRegistration(); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("missing antenna gain = %v, want ErrInvalidParameter", err)
	}
}

func TestValidateRegistrationCategoryAOptionalInstall(t *testing.T) {
	c := CBSD{
		CBSDSerialNumber: "SN-A",
		FCCID:            "FCC-A",
		SASProviderID:    ProviderFederatedWireless,
		Category:         CategoryA,
	}
	if err := c.ValidateRegistration(); err != nil {
		t.Fatalf("category A without installation params: %v", err)
	}

	c.InstallationParam = &InstallationParam{Latitude: 95}
	if err := c.ValidateRegistration(); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("latitude 95 = %v, want ErrInvalidParameter", err)
	}
}

func TestRegistrationDefaults(t *testing.T) {
	p := InstallationParam{Latitude: 1, Longitude: 2}.WithRegistrationDefaults()
	if p.Height == nil || *p.Height != DefaultHeightMeters {
		t.Fatalf("Height = %v, want %v", p.Height, DefaultHeightMeters)
	}
	if p.HeightType != HeightAGL {
		t.Fatalf("HeightType = %q, want AGL", p.HeightType)
	}
	if p.HorizontalAccuracy == nil || *p.HorizontalAccuracy != DefaultHorizontalAccuracyMeters {
		t.Fatalf("HorizontalAccuracy = %v", p.HorizontalAccuracy)
	}
}

func TestGrantStateRollup(t *testing.T) {
	if GrantAuthorized.Rank() <= GrantGranted.Rank() || GrantGranted.Rank() <= GrantSuspended.Rank() {
		t.Fatalf("rank order must be AUTHORIZED > GRANTED > SUSPENDED")
	}
	if got := GrantSuspended.DeviceState(); got != StateSuspended {
		t.Fatalf("DeviceState(SUSPENDED) = %s", got)
	}
}
