package sas

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// DefaultTimeout bounds every outbound SAS request when the config leaves it
// unset.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// TLSConfig holds optional mutual-TLS material.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

// Enhancements are Federated Wireless request flags.
type Enhancements struct {
	InterferenceMonitoring bool
	Analytics              bool
	AutoOptimization       bool
}

// ProviderConfig configures one provider client.
type ProviderConfig struct {
	Provider     model.SASProvider
	Endpoint     string
	APIKey       string
	UserID       string
	CustomerID   string
	Enhancements Enhancements
	TLS          TLSConfig
	Timeout      time.Duration
}

// HTTPClient speaks the WinnForum JSON protocol to one SAS endpoint, with a
// provider profile supplying authentication and request extensions.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	profile  profile
	log      logging.Logger
}

// HTTPOption customises an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. The caller owns its
// timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l logging.Logger) HTTPOption {
	return func(h *HTTPClient) { h.log = logging.OrNoop(l) }
}

// NewHTTPClient builds the client for cfg.Provider.
func NewHTTPClient(cfg ProviderConfig, opts ...HTTPOption) (*HTTPClient, error) {
	prof, err := profileFor(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = prof.defaultEndpoint()
	}
	if endpoint == "" {
		return nil, fmt.Errorf("sas %s: endpoint is required", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS.enabled() {
		tlsCfg, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("sas %s: %w", cfg.Provider, err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	c := &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout, Transport: transport},
		profile:  prof,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func loadTLS(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	d := req.CBSD
	item := wireRegistrationRequest{
		UserID:           d.UserID,
		FCCID:            d.FCCID,
		CBSDSerialNumber: d.CBSDSerialNumber,
		CallSign:         d.CallSign,
		CBSDCategory:     d.Category,
		CBSDInfo:         d.Info,
		AirInterface:     d.AirInterface,
		MeasCapability:   d.MeasCapability,
	}
	if item.AirInterface.RadioTechnology == "" {
		item.AirInterface.RadioTechnology = model.DefaultRadioTechnology
	}
	if item.MeasCapability == nil {
		item.MeasCapability = []string{}
	}
	if d.InstallationParam != nil {
		p := d.InstallationParam.WithRegistrationDefaults()
		item.InstallationParam = &p
	}
	c.profile.registration(&item)

	var out registrationEnvelope
	if err := c.do(ctx, OpRegister, registrationEnvelope{Request: []wireRegistrationRequest{item}}, &out); err != nil {
		return RegisterResponse{}, err
	}
	if len(out.Response) == 0 {
		return RegisterResponse{}, Fault(OpRegister, CodeTransport, "empty registrationResponse")
	}
	r := out.Response[0]
	if err := checkResponse(OpRegister, r.Response); err != nil {
		return RegisterResponse{}, err
	}
	if r.CBSDID == "" {
		return RegisterResponse{}, Fault(OpRegister, CodeTransport, "registrationResponse without cbsdId")
	}
	return RegisterResponse{CBSDID: r.CBSDID}, nil
}

// SpectrumInquiry implements Client.
func (c *HTTPClient) SpectrumInquiry(ctx context.Context, req SpectrumInquiryRequest) (SpectrumInquiryResponse, error) {
	item := wireSpectrumInquiryRequest{CBSDID: req.CBSDID, InquiredSpectrum: req.Ranges}
	c.profile.spectrumInquiry(&item)

	var out spectrumInquiryEnvelope
	if err := c.do(ctx, OpSpectrumInquiry, spectrumInquiryEnvelope{Request: []wireSpectrumInquiryRequest{item}}, &out); err != nil {
		return SpectrumInquiryResponse{}, err
	}
	if len(out.Response) == 0 {
		return SpectrumInquiryResponse{}, Fault(OpSpectrumInquiry, CodeTransport, "empty spectrumInquiryResponse")
	}
	r := out.Response[0]
	if err := checkResponse(OpSpectrumInquiry, r.Response); err != nil {
		return SpectrumInquiryResponse{}, err
	}
	channels := make([]model.AvailableChannel, 0, len(r.AvailableChannel))
	for _, ch := range r.AvailableChannel {
		channels = append(channels, model.AvailableChannel{
			FrequencyRange: ch.FrequencyRange,
			ChannelType:    ch.ChannelType,
			RuleApplied:    ch.RuleApplied,
			MaxEIRP:        ch.MaxEIRP,
		})
	}
	return SpectrumInquiryResponse{Channels: channels}, nil
}

// RequestGrant implements Client.
func (c *HTTPClient) RequestGrant(ctx context.Context, req GrantRequest) (GrantResponse, error) {
	item := wireGrantRequest{CBSDID: req.CBSDID, OperationParam: req.OperationParam}
	c.profile.grant(&item)

	var out grantEnvelope
	if err := c.do(ctx, OpGrant, grantEnvelope{Request: []wireGrantRequest{item}}, &out); err != nil {
		return GrantResponse{}, err
	}
	if len(out.Response) == 0 {
		return GrantResponse{}, Fault(OpGrant, CodeTransport, "empty grantResponse")
	}
	r := out.Response[0]
	if err := checkResponse(OpGrant, r.Response); err != nil {
		return GrantResponse{}, err
	}
	if r.GrantID == "" {
		return GrantResponse{}, Fault(OpGrant, CodeTransport, "grantResponse without grantId")
	}
	expire, err := parseWireTime(OpGrant, "grantExpireTime", r.GrantExpireTime)
	if err != nil {
		return GrantResponse{}, err
	}
	return GrantResponse{
		GrantID:           r.GrantID,
		HeartbeatInterval: r.HeartbeatInterval,
		GrantExpireTime:   expire,
		ChannelType:       r.ChannelType,
	}, nil
}

// Heartbeat implements Client.
func (c *HTTPClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	item := wireHeartbeatRequest{
		CBSDID:         req.CBSDID,
		GrantID:        req.GrantID,
		OperationState: req.OperationState,
		MeasReport:     req.MeasReport,
	}
	c.profile.heartbeat(&item)

	var out heartbeatEnvelope
	if err := c.do(ctx, OpHeartbeat, heartbeatEnvelope{Request: []wireHeartbeatRequest{item}}, &out); err != nil {
		return HeartbeatResponse{}, err
	}
	if len(out.Response) == 0 {
		return HeartbeatResponse{}, Fault(OpHeartbeat, CodeTransport, "empty heartbeatResponse")
	}
	r := out.Response[0]
	if err := checkResponse(OpHeartbeat, r.Response); err != nil {
		return HeartbeatResponse{}, err
	}
	txExpire, err := parseWireTime(OpHeartbeat, "transmitExpireTime", r.TransmitExpireTime)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	if txExpire.IsZero() {
		return HeartbeatResponse{}, Fault(OpHeartbeat, CodeTransport, "heartbeatResponse without transmitExpireTime")
	}
	grantExpire, err := parseWireTime(OpHeartbeat, "grantExpireTime", r.GrantExpireTime)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return HeartbeatResponse{
		TransmitExpireTime: txExpire,
		GrantExpireTime:    grantExpire,
		HeartbeatInterval:  r.HeartbeatInterval,
	}, nil
}

// Relinquish implements Client.
func (c *HTTPClient) Relinquish(ctx context.Context, req RelinquishRequest) error {
	var out relinquishmentEnvelope
	in := relinquishmentEnvelope{Request: []wireRelinquishmentRequest{{CBSDID: req.CBSDID, GrantID: req.GrantID}}}
	if err := c.do(ctx, OpRelinquish, in, &out); err != nil {
		return err
	}
	if len(out.Response) == 0 {
		return Fault(OpRelinquish, CodeTransport, "empty relinquishmentResponse")
	}
	return checkResponse(OpRelinquish, out.Response[0].Response)
}

// Deregister implements Client.
func (c *HTTPClient) Deregister(ctx context.Context, req DeregisterRequest) error {
	var out deregistrationEnvelope
	in := deregistrationEnvelope{Request: []wireDeregistrationRequest{{CBSDID: req.CBSDID}}}
	if err := c.do(ctx, OpDeregister, in, &out); err != nil {
		return err
	}
	if len(out.Response) == 0 {
		return Fault(OpDeregister, CodeTransport, "empty deregistrationResponse")
	}
	return checkResponse(OpDeregister, out.Response[0].Response)
}

// do POSTs body to <endpoint>/<op> and decodes the reply into out.
func (c *HTTPClient) do(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sas %s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+op, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sas %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tenant := logging.TenantIDFromContext(ctx); tenant != "" {
		req.Header.Set("X-Tenant-Id", tenant)
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	c.profile.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return Timeout(op, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Unreachable(op, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Fault(op, CodeTransport, fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(string(raw), 256)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Debug(ctx, "undecodable SAS response",
			logging.String("operation", op),
			logging.String("body", truncate(string(raw), 256)),
		)
		return Fault(op, CodeTransport, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
