package sas

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// WinnForum JSON envelopes. Every request body is an object holding an array
// named after the primitive, and every response mirrors it.

type wireResponse struct {
	ResponseCode    ResponseCode `json:"responseCode"`
	ResponseMessage string       `json:"responseMessage,omitempty"`
	ResponseData    []string     `json:"responseData,omitempty"`
}

type wireRegistrationRequest struct {
	UserID            string                   `json:"userId,omitempty"`
	FCCID             string                   `json:"fccId"`
	CBSDSerialNumber  string                   `json:"cbsdSerialNumber"`
	CallSign          string                   `json:"callSign,omitempty"`
	CBSDCategory      model.Category           `json:"cbsdCategory"`
	CBSDInfo          *model.CBSDInfo          `json:"cbsdInfo,omitempty"`
	AirInterface      model.AirInterface       `json:"airInterface"`
	InstallationParam *model.InstallationParam `json:"installationParam,omitempty"`
	MeasCapability    []string                 `json:"measCapability"`

	CustomerID string `json:"customerId,omitempty"`
}

type wireRegistrationResponse struct {
	CBSDID   string       `json:"cbsdId,omitempty"`
	Response wireResponse `json:"response"`
}

type wireSpectrumInquiryRequest struct {
	CBSDID                  string                 `json:"cbsdId"`
	InquiredSpectrum        []model.FrequencyRange `json:"inquiredSpectrum"`
	RequestEnhancedAnalysis bool                   `json:"requestEnhancedAnalytics,omitempty"`
}

type wireAvailableChannel struct {
	FrequencyRange model.FrequencyRange `json:"frequencyRange"`
	ChannelType    model.ChannelType    `json:"channelType"`
	RuleApplied    string               `json:"ruleApplied"`
	MaxEIRP        *float64             `json:"maxEirp,omitempty"`
}

type wireSpectrumInquiryResponse struct {
	CBSDID           string                 `json:"cbsdId,omitempty"`
	AvailableChannel []wireAvailableChannel `json:"availableChannel,omitempty"`
	Response         wireResponse           `json:"response"`
}

type wireGrantRequest struct {
	CBSDID                 string               `json:"cbsdId"`
	OperationParam         model.OperationParam `json:"operationParam"`
	EnableAutoOptimization bool                 `json:"enableAutoOptimization,omitempty"`
}

type wireGrantResponse struct {
	CBSDID            string            `json:"cbsdId,omitempty"`
	GrantID           string            `json:"grantId,omitempty"`
	GrantExpireTime   string            `json:"grantExpireTime,omitempty"`
	HeartbeatInterval int               `json:"heartbeatInterval,omitempty"`
	ChannelType       model.ChannelType `json:"channelType,omitempty"`
	Response          wireResponse      `json:"response"`
}

type wireHeartbeatRequest struct {
	CBSDID                      string            `json:"cbsdId"`
	GrantID                     string            `json:"grantId"`
	OperationState              string            `json:"operationState"`
	MeasReport                  *model.MeasReport `json:"measReport,omitempty"`
	RequestInterferenceAnalysis bool              `json:"requestInterferenceAnalysis,omitempty"`
}

type wireHeartbeatResponse struct {
	CBSDID             string       `json:"cbsdId,omitempty"`
	GrantID            string       `json:"grantId,omitempty"`
	TransmitExpireTime string       `json:"transmitExpireTime,omitempty"`
	GrantExpireTime    string       `json:"grantExpireTime,omitempty"`
	HeartbeatInterval  int          `json:"heartbeatInterval,omitempty"`
	Response           wireResponse `json:"response"`
}

type wireRelinquishmentRequest struct {
	CBSDID  string `json:"cbsdId"`
	GrantID string `json:"grantId"`
}

type wireRelinquishmentResponse struct {
	CBSDID   string       `json:"cbsdId,omitempty"`
	GrantID  string       `json:"grantId,omitempty"`
	Response wireResponse `json:"response"`
}

type wireDeregistrationRequest struct {
	CBSDID string `json:"cbsdId"`
}

type wireDeregistrationResponse struct {
	CBSDID   string       `json:"cbsdId,omitempty"`
	Response wireResponse `json:"response"`
}

// Envelopes.

type registrationEnvelope struct {
	Request  []wireRegistrationRequest  `json:"registrationRequest,omitempty"`
	Response []wireRegistrationResponse `json:"registrationResponse,omitempty"`
}

type spectrumInquiryEnvelope struct {
	Request  []wireSpectrumInquiryRequest  `json:"spectrumInquiryRequest,omitempty"`
	Response []wireSpectrumInquiryResponse `json:"spectrumInquiryResponse,omitempty"`
}

type grantEnvelope struct {
	Request  []wireGrantRequest  `json:"grantRequest,omitempty"`
	Response []wireGrantResponse `json:"grantResponse,omitempty"`
}

type heartbeatEnvelope struct {
	Request  []wireHeartbeatRequest  `json:"heartbeatRequest,omitempty"`
	Response []wireHeartbeatResponse `json:"heartbeatResponse,omitempty"`
}

type relinquishmentEnvelope struct {
	Request  []wireRelinquishmentRequest  `json:"relinquishmentRequest,omitempty"`
	Response []wireRelinquishmentResponse `json:"relinquishmentResponse,omitempty"`
}

type deregistrationEnvelope struct {
	Request  []wireDeregistrationRequest  `json:"deregistrationRequest,omitempty"`
	Response []wireDeregistrationResponse `json:"deregistrationResponse,omitempty"`
}

// parseWireTime accepts the RFC 3339 timestamps used on the wire. An empty
// string yields the zero time.
func parseWireTime(op, field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, Fault(op, CodeTransport, fmt.Sprintf("bad %s %q", field, v))
	}
	return t.UTC(), nil
}

// FormatWireTime renders t the way the SAS expects it.
func FormatWireTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func checkResponse(op string, r wireResponse) error {
	if r.ResponseCode == CodeSuccess {
		return nil
	}
	return Fault(op, r.ResponseCode, r.ResponseMessage)
}
