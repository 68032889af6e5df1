package sas

import (
	"fmt"
	"net/http"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// profile carries the provider-specific parts of the protocol: default
// endpoint, authentication and request extensions.
type profile interface {
	defaultEndpoint() string
	authorize(req *http.Request)
	registration(item *wireRegistrationRequest)
	spectrumInquiry(item *wireSpectrumInquiryRequest)
	grant(item *wireGrantRequest)
	heartbeat(item *wireHeartbeatRequest)
}

func profileFor(cfg ProviderConfig) (profile, error) {
	switch cfg.Provider {
	case model.ProviderGoogle:
		return googleProfile{apiKey: cfg.APIKey, userID: cfg.UserID}, nil
	case model.ProviderFederatedWireless:
		if cfg.CustomerID == "" {
			return nil, fmt.Errorf("sas %s: customer id is required", cfg.Provider)
		}
		return federatedProfile{apiKey: cfg.APIKey, customerID: cfg.CustomerID, enh: cfg.Enhancements}, nil
	case model.ProviderOther:
		return plainProfile{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// googleProfile authenticates with a bearer token and fills in the
// configured userId when the device has none.
type googleProfile struct {
	apiKey string
	userID string
}

func (googleProfile) defaultEndpoint() string { return "https://sas.googleapis.com/v1" }

func (p googleProfile) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p googleProfile) registration(item *wireRegistrationRequest) {
	if item.UserID == "" {
		item.UserID = p.userID
	}
}

func (googleProfile) spectrumInquiry(*wireSpectrumInquiryRequest) {}
func (googleProfile) grant(*wireGrantRequest)                     {}
func (googleProfile) heartbeat(*wireHeartbeatRequest)             {}

// federatedProfile adds the customer id and the enhancement flags.
type federatedProfile struct {
	apiKey     string
	customerID string
	enh        Enhancements
}

func (federatedProfile) defaultEndpoint() string { return "https://sas.federatedwireless.com/api/v1" }

func (p federatedProfile) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("X-Customer-Id", p.customerID)
}

func (p federatedProfile) registration(item *wireRegistrationRequest) {
	item.CustomerID = p.customerID
}

func (p federatedProfile) spectrumInquiry(item *wireSpectrumInquiryRequest) {
	item.RequestEnhancedAnalysis = p.enh.Analytics
}

func (p federatedProfile) grant(item *wireGrantRequest) {
	item.EnableAutoOptimization = p.enh.AutoOptimization
}

func (p federatedProfile) heartbeat(item *wireHeartbeatRequest) {
	item.RequestInterferenceAnalysis = p.enh.InterferenceMonitoring
}

// plainProfile is unextended WinnForum; authentication is mutual TLS only.
type plainProfile struct{}

func (plainProfile) defaultEndpoint() string                     { return "" }
func (plainProfile) authorize(*http.Request)                     {}
func (plainProfile) registration(*wireRegistrationRequest)       {}
func (plainProfile) spectrumInquiry(*wireSpectrumInquiryRequest) {}
func (plainProfile) grant(*wireGrantRequest)                     {}
func (plainProfile) heartbeat(*wireHeartbeatRequest)             {}
