package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/fleet"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. SASResponseCode is set for protocol
// faults and carries the SAS code unchanged.
type ErrorDetail struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Field           string `json:"field,omitempty"`
	SASResponseCode *int   `json:"sasResponseCode,omitempty"`
	SASResponseName string `json:"sasResponseName,omitempty"`
}

// StatusFor maps err onto an HTTP status and an error detail.
func StatusFor(err error) (int, ErrorDetail) {
	detail := ErrorDetail{Message: err.Error()}

	var ipe *model.InvalidParameterError
	var sasErr *sas.Error
	switch {
	case errors.As(err, &ipe):
		detail.Code = "invalid_parameter"
		detail.Field = ipe.Field
		return http.StatusBadRequest, detail

	case errors.Is(err, cbsd.ErrInvalidTransition):
		detail.Code = "invalid_transition"
		return http.StatusConflict, detail

	case errors.Is(err, fleet.ErrRetired):
		detail.Code = "retired"
		return http.StatusConflict, detail

	case errors.Is(err, fleet.ErrConflict):
		detail.Code = "conflict"
		return http.StatusConflict, detail

	case errors.Is(err, fleet.ErrNotFound), errors.Is(err, cbsd.ErrGrantNotFound):
		detail.Code = "not_found"
		return http.StatusNotFound, detail

	case errors.Is(err, fleet.ErrForbidden):
		detail.Code = "forbidden"
		return http.StatusForbidden, detail

	case errors.As(err, &sasErr):
		switch sasErr.Kind {
		case sas.KindTimeout:
			detail.Code = "sas_timeout"
			return http.StatusGatewayTimeout, detail
		case sas.KindUnreachable:
			detail.Code = "sas_unreachable"
			return http.StatusBadGateway, detail
		default:
			code := int(sasErr.Code)
			detail.Code = "sas_protocol_fault"
			detail.SASResponseCode = &code
			detail.SASResponseName = sasErr.Code.String()
			return http.StatusUnprocessableEntity, detail
		}

	case errors.Is(err, context.DeadlineExceeded):
		detail.Code = "timeout"
		return http.StatusGatewayTimeout, detail

	case errors.Is(err, fleet.ErrClosed), errors.Is(err, cbsd.ErrStopped):
		detail.Code = "unavailable"
		return http.StatusServiceUnavailable, detail
	}

	detail.Code = "internal"
	return http.StatusInternalServerError, detail
}

func writeError(c *gin.Context, err error) {
	status, detail := StatusFor(err)
	if status >= 500 {
		logging.FromContext(c.Request.Context(), nil).Warn(c.Request.Context(), "command failed", logging.Err(err))
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: detail})
}

func badBody(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_body", Message: err.Error()}})
}
