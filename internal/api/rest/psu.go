package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
	"github.com/KevinKickass/OpenPSU/internal/telemetry"
	"github.com/KevinKickass/OpenPSU/internal/types"
)

// GET /api/v1/psu/state
func (s *Server) getState(c *gin.Context) {
	st, err := s.lm.Device().GetState(c.Request.Context())
	if err != nil {
		s.deviceError(c, "get_state", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /api/v1/psu/status
func (s *Server) getStatus(c *gin.Context) {
	status, err := s.lm.Device().GetStatus(c.Request.Context())
	if err != nil {
		s.deviceError(c, "get_status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/psu/status/:field
func (s *Server) getStatusField(c *gin.Context) {
	field, err := dc6006l.ParseStatusField(c.Param("field"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Unknown status field", gin.H{
			"field":  c.Param("field"),
			"fields": dc6006l.StatusFields,
		}))
		return
	}

	v, err := s.lm.Device().GetStatusField(c.Request.Context(), field)
	if err != nil {
		s.deviceError(c, "get_status_field", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"field": field,
		"value": v,
	})
}

// GET /api/v1/psu/ports
func (s *Server) listPorts(c *gin.Context) {
	ports, err := s.lm.ListPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to enumerate ports", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ports":   ports,
		"count":   len(ports),
		"current": s.lm.Device().Port(),
	})
}

// POST /api/v1/psu/voltage
func (s *Server) setVoltage(c *gin.Context) {
	s.applySetpoint(c, "voltage", s.lm.Device().SetVoltage)
}

// POST /api/v1/psu/current
func (s *Server) setCurrent(c *gin.Context) {
	s.applySetpoint(c, "current", s.lm.Device().SetCurrent)
}

// POST /api/v1/psu/protection/voltage
func (s *Server) setVoltageProtect(c *gin.Context) {
	s.applySetpoint(c, "voltage_protect", s.lm.Device().SetVoltageProtect)
}

// POST /api/v1/psu/protection/current
func (s *Server) setCurrentProtect(c *gin.Context) {
	s.applySetpoint(c, "current_protect", s.lm.Device().SetCurrentProtect)
}

func (s *Server) applySetpoint(c *gin.Context, parameter string, set func(context.Context, float64) (dc6006l.Setpoint, error)) {
	var req types.ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.BadRequest(err))
		return
	}

	sp, err := set(c.Request.Context(), *req.Value)
	if err != nil {
		s.deviceError(c, "set_"+parameter, err)
		return
	}

	s.lm.Events().HandleEvent(telemetry.NewEvent(telemetry.EventSetpointChanged, telemetry.SetpointChangedData{
		Parameter: parameter,
		Setpoint:  sp,
	}))

	c.JSON(http.StatusOK, gin.H{
		"parameter": parameter,
		"setpoint":  sp,
	})
}

// POST /api/v1/psu/output
func (s *Server) setOutput(c *gin.Context) {
	var req types.EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.BadRequest(err))
		return
	}

	var err error
	if *req.Enabled {
		err = s.lm.Device().EnableOutput(c.Request.Context())
	} else {
		err = s.lm.Device().DisableOutput(c.Request.Context())
	}
	if err != nil {
		s.deviceError(c, "set_output", err)
		return
	}

	s.lm.Events().HandleEvent(telemetry.NewEvent(telemetry.EventOutputChanged, telemetry.OutputChangedData{
		On:     *req.Enabled,
		Source: "api",
	}))

	c.JSON(http.StatusOK, gin.H{"output": *req.Enabled})
}

// POST /api/v1/psu/reporting
func (s *Server) setReporting(c *gin.Context) {
	var req types.EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.BadRequest(err))
		return
	}

	var err error
	if *req.Enabled {
		err = s.lm.Device().EnableStateReporting(c.Request.Context())
	} else {
		err = s.lm.Device().DisableStateReporting(c.Request.Context())
	}
	if err != nil {
		s.deviceError(c, "set_reporting", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reporting": *req.Enabled})
}

// deviceError maps a driver error onto an HTTP status and publishes it as
// a device_error event.
func (s *Server) deviceError(c *gin.Context, operation string, err error) {
	status, code, message := classify(err)
	details := gin.H{"operation": operation, "error": err.Error()}

	var mismatch *dc6006l.ReadBackMismatchError
	var confirm *dc6006l.OutputConfirmError
	switch {
	case errors.As(err, &mismatch):
		details["quantity"] = mismatch.Quantity
		details["requested"] = mismatch.Requested
		details["read_back"] = mismatch.ReadBack
		details["tolerance"] = mismatch.Tolerance
	case errors.As(err, &confirm):
		details["target"] = confirm.Target
		details["attempts"] = confirm.Attempts
	}

	fatal := dc6006l.IsFatal(err)
	s.logger.Warn("PSU operation failed",
		zap.String("operation", operation),
		zap.Int("status", status),
		zap.Bool("fatal", fatal),
		zap.Error(err))

	// session conditions, the supply itself is fine
	if !errors.Is(err, dc6006l.ErrBusy) && !errors.Is(err, dc6006l.ErrReportingDisabled) {
		s.lm.Events().HandleEvent(telemetry.NewEvent(telemetry.EventDeviceError, telemetry.DeviceErrorData{
			Operation: operation,
			Error:     err.Error(),
			Fatal:     fatal,
		}))
	}

	c.JSON(status, types.NewErrorResponse(code, message, details))
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, dc6006l.ErrUnknownField):
		return http.StatusBadRequest, types.CodeBadRequest, "Unknown status field"
	case errors.Is(err, dc6006l.ErrNotOpen):
		return http.StatusServiceUnavailable, types.CodeUnavailable, "Supply not connected"
	case errors.Is(err, dc6006l.ErrStateUnavailable),
		errors.Is(err, dc6006l.ErrStatusUnavailable),
		errors.Is(err, dc6006l.ErrNoAck):
		return http.StatusServiceUnavailable, types.CodeUnavailable, "Supply did not answer"
	case errors.Is(err, dc6006l.ErrReadBackMismatch):
		return http.StatusConflict, types.CodeConflict, "Read-back does not match the value set"
	case errors.Is(err, dc6006l.ErrOutputNotConfirmed):
		return http.StatusConflict, types.CodeConflict, "Output state not confirmed"
	case errors.Is(err, dc6006l.ErrReportingDisabled):
		return http.StatusConflict, types.CodeConflict, "State reporting is disabled"
	case errors.Is(err, dc6006l.ErrBusy):
		return http.StatusServiceUnavailable, types.CodeUnavailable, "Supply busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, types.CodeTimeout, "Operation timed out"
	default:
		return http.StatusInternalServerError, types.CodeInternal, "Supply operation failed"
	}
}
