package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/api"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/fleet"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas/sastest"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

func init() { gin.SetMode(gin.TestMode) }

var band = model.FrequencyRange{LowFrequency: 3_550_000_000, HighFrequency: 3_560_000_000}

type testServer struct {
	t       *testing.T
	clock   *timectrl.FakeClock
	sas     *sastest.FakeClient
	fleet   *fleet.Fleet
	metrics *observability.APICollector
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := timectrl.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fake := sastest.NewFakeClient(clock)
	reg := sas.NewRegistry()
	reg.Set(model.ProviderGoogle, fake)

	policy := schedule.DefaultPolicy()
	policy.Backoff.Jitter = 0
	f := fleet.New(reg,
		fleet.WithClock(clock),
		fleet.WithDeviceConfig(cbsd.Config{Policy: policy, CallTimeout: time.Second}),
	)
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })

	metrics, err := observability.NewAPICollector(prometheus.NewRegistry())
	require.NoError(t, err)
	s := api.NewServer(f, api.WithMetrics(metrics))
	return &testServer{t: t, clock: clock, sas: fake, fleet: f, metrics: metrics, handler: s.Handler()}
}

func (ts *testServer) do(method, path, tenant string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(ts.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(api.HeaderTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) register(tenant, serial string) model.CBSD {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/v1/cbsds", tenant, model.CBSD{
		CBSDSerialNumber: serial,
		FCCID:            "FCC-1",
		SASProviderID:    model.ProviderGoogle,
		Category:         model.CategoryA,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out model.CBSD
	require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorDetail {
	t.Helper()
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(api.HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(api.HeaderRequestID))

	rec = ts.do(http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get(api.HeaderRequestID))
}

func TestGrantLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	dev := ts.register("tenant-a", "SN-1")
	assert.Equal(t, model.StateRegistered, dev.State)
	assert.Equal(t, "tenant-a", dev.TenantID)

	rec := ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/grants", "tenant-a",
		api.GrantRequest{OperationParam: model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var g model.Grant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, model.GrantGranted, g.State)

	next, ok := ts.clock.NextDeadline()
	require.True(t, ok)
	ts.clock.AdvanceTo(next)
	require.NoError(t, ts.fleet.Settle(context.Background()))

	rec = ts.do(http.MethodGet, "/v1/cbsds/"+dev.ID, "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap cbsd.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, model.StateAuthorized, snap.Device.State)
	require.Len(t, snap.Grants, 1)
	assert.True(t, snap.Grants[0].CanTransmit)

	rec = ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/measurements", "tenant-a", model.MeasReport{
		RcvdPowerMeasReports: []model.RcvdPowerMeasReport{{MeasFrequency: 3_550_000_000, MeasBandwidth: 10_000_000, MeasRcvdPower: -80}},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/fleet/status", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status fleet.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.TotalDevices)
	assert.Equal(t, 1, status.Transmitting)

	rec = ts.do(http.MethodDelete, "/v1/cbsds/"+dev.ID+"/grants/"+g.GrantID, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodDelete, "/v1/cbsds/"+dev.ID, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/grants", "tenant-a",
		api.GrantRequest{OperationParam: model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "retired", decodeError(t, rec).Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Requests.WithLabelValues(http.MethodPost, "/v1/cbsds/:id/grants", "201")))
}

func TestSpectrumInquiryOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	dev := ts.register("", "SN-1")

	rec := ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/spectrum-inquiry", "",
		api.SpectrumInquiryRequest{InquiredSpectrum: []model.FrequencyRange{band}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out api.SpectrumInquiryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotNil(t, out.AvailableChannels)

	rec = ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/spectrum-inquiry", "", api.SpectrumInquiryRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "inquiredSpectrum", decodeError(t, rec).Field)
}

func TestValidationErrorsAreBadRequest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/cbsds", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeError(t, rec).Code)

	rec = ts.do(http.MethodPost, "/v1/cbsds", "", model.CBSD{FCCID: "FCC-1", SASProviderID: model.ProviderGoogle, Category: model.CategoryA})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_parameter", decodeError(t, rec).Code)

	dev := ts.register("", "SN-1")
	rec = ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/grants", "",
		api.GrantRequest{OperationParam: model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: model.FrequencyRange{LowFrequency: 3_500_000_000, HighFrequency: 3_560_000_000}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ts.sas.Calls(sas.OpGrant))
}

func TestTenantsCannotSeeEachOther(t *testing.T) {
	ts := newTestServer(t)
	dev := ts.register("tenant-a", "SN-1")
	ts.register("tenant-b", "SN-2")

	rec := ts.do(http.MethodGet, "/v1/cbsds/"+dev.ID, "tenant-b", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/cbsds", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list api.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.CBSDs, 1)
	assert.Equal(t, dev.ID, list.CBSDs[0].ID)
}

func TestUnknownDeviceIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/v1/cbsds/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestSASFaultCarriesResponseCode(t *testing.T) {
	ts := newTestServer(t)
	ts.sas.OnGrant(func(context.Context, sas.GrantRequest) (sas.GrantResponse, error) {
		return sas.GrantResponse{}, sas.Fault(sas.OpGrant, sas.CodeInterference, "blocked by incumbent")
	})
	dev := ts.register("", "SN-1")

	rec := ts.do(http.MethodPost, "/v1/cbsds/"+dev.ID+"/grants", "",
		api.GrantRequest{OperationParam: model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	detail := decodeError(t, rec)
	require.NotNil(t, detail.SASResponseCode)
	assert.Equal(t, 400, *detail.SASResponseCode)
	assert.Equal(t, "INTERFERENCE", detail.SASResponseName)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&model.InvalidParameterError{Field: "fccId"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", cbsd.ErrInvalidTransition), http.StatusConflict},
		{fleet.ErrConflict, http.StatusConflict},
		{fleet.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: g-1", cbsd.ErrGrantNotFound), http.StatusNotFound},
		{fleet.ErrForbidden, http.StatusForbidden},
		{sas.Timeout(sas.OpGrant, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{sas.Unreachable(sas.OpGrant, errors.New("connection refused")), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fleet.ErrClosed, http.StatusServiceUnavailable},
		{cbsd.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := api.StatusFor(tc.err)
		assert.Equal(t, tc.want, got, "StatusFor(%v)", tc.err)
	}
}
