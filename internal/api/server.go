// Package api exposes the fleet's command interface over HTTP/JSON for the
// surrounding CRUD layer.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/fleet"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Coordinator is the subset of *fleet.Fleet served over HTTP.
type Coordinator interface {
	Register(ctx context.Context, caller fleet.Caller, c model.CBSD) (model.CBSD, error)
	SpectrumInquiry(ctx context.Context, caller fleet.Caller, id string, ranges []model.FrequencyRange) ([]model.AvailableChannel, error)
	RequestGrant(ctx context.Context, caller fleet.Caller, id string, op model.OperationParam) (model.Grant, error)
	Relinquish(ctx context.Context, caller fleet.Caller, id, grantID string) error
	Deregister(ctx context.Context, caller fleet.Caller, id string) error
	SubmitMeasurement(ctx context.Context, caller fleet.Caller, id string, report model.MeasReport) error
	GetStatus(ctx context.Context, caller fleet.Caller, id string) (cbsd.Snapshot, error)
	List(ctx context.Context, caller fleet.Caller) ([]model.CBSD, error)
	Status(ctx context.Context, caller fleet.Caller) fleet.Status
}

var _ Coordinator = (*fleet.Fleet)(nil)

// SpectrumInquiryRequest is the body of POST /v1/cbsds/:id/spectrum-inquiry.
type SpectrumInquiryRequest struct {
	InquiredSpectrum []model.FrequencyRange `json:"inquiredSpectrum"`
}

// SpectrumInquiryResponse lists the channels the SAS reported available.
type SpectrumInquiryResponse struct {
	AvailableChannels []model.AvailableChannel `json:"availableChannels"`
}

// GrantRequest is the body of POST /v1/cbsds/:id/grants.
type GrantRequest struct {
	OperationParam model.OperationParam `json:"operationParam"`
}

// ListResponse is the body of GET /v1/cbsds.
type ListResponse struct {
	CBSDs []model.CBSD `json:"cbsds"`
}

// Server holds the handlers' dependencies.
type Server struct {
	fleet   Coordinator
	log     logging.Logger
	metrics *observability.APICollector
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = logging.OrNoop(l) }
}

// WithMetrics records per-route request metrics.
func WithMetrics(c *observability.APICollector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer returns a Server routing to f.
func NewServer(f Coordinator, opts ...Option) *Server {
	s := &Server{fleet: f, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(s.log), Tracing(), AccessLog(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1", Tenant())
	v1.GET("/fleet/status", s.fleetStatus)
	v1.POST("/cbsds", s.register)
	v1.GET("/cbsds", s.list)
	v1.GET("/cbsds/:id", s.status)
	v1.DELETE("/cbsds/:id", s.deregister)
	v1.POST("/cbsds/:id/spectrum-inquiry", s.spectrumInquiry)
	v1.POST("/cbsds/:id/grants", s.requestGrant)
	v1.DELETE("/cbsds/:id/grants/:grantId", s.relinquish)
	v1.POST("/cbsds/:id/measurements", s.submitMeasurement)
	return r
}

func (s *Server) register(c *gin.Context) {
	var body model.CBSD
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	rec, err := s.fleet.Register(c.Request.Context(), callerFrom(c), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) list(c *gin.Context) {
	recs, err := s.fleet.List(c.Request.Context(), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{CBSDs: recs})
}

func (s *Server) status(c *gin.Context) {
	snap, err := s.fleet.GetStatus(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) deregister(c *gin.Context) {
	if err := s.fleet.Deregister(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) spectrumInquiry(c *gin.Context) {
	var body SpectrumInquiryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	chans, err := s.fleet.SpectrumInquiry(c.Request.Context(), callerFrom(c), c.Param("id"), body.InquiredSpectrum)
	if err != nil {
		writeError(c, err)
		return
	}
	if chans == nil {
		chans = []model.AvailableChannel{}
	}
	c.JSON(http.StatusOK, SpectrumInquiryResponse{AvailableChannels: chans})
}

func (s *Server) requestGrant(c *gin.Context) {
	var body GrantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	g, err := s.fleet.RequestGrant(c.Request.Context(), callerFrom(c), c.Param("id"), body.OperationParam)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) relinquish(c *gin.Context) {
	if err := s.fleet.Relinquish(c.Request.Context(), callerFrom(c), c.Param("id"), c.Param("grantId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) submitMeasurement(c *gin.Context) {
	var body model.MeasReport
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	if err := s.fleet.SubmitMeasurement(c.Request.Context(), callerFrom(c), c.Param("id"), body); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) fleetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Status(c.Request.Context(), callerFrom(c)))
}
