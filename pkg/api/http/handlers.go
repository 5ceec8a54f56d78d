package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/controller"
	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/internal/application/orchestrator"
	"github.com/aescanero/constellation/internal/application/session"
	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/constructor"
	"github.com/aescanero/constellation/pkg/ports"
)

// SubmitRequest creates a constellation and starts a session for it.
// Exactly one of Plan, Text or Request must be set.
type SubmitRequest struct {
	// Plan is a structured definition of tasks and dependencies.
	Plan *constructor.Spec `json:"plan,omitempty"`
	// Text is a plain-text plan, one task or edge per line.
	Text string `json:"text,omitempty"`
	// Request is a natural-language goal planned by the editor.
	Request string `json:"request,omitempty"`
	Name    string `json:"name,omitempty"`

	RunOptions
}

// RunOptions tunes the orchestration of a session.
type RunOptions struct {
	Assignments map[string]string `json:"assignments,omitempty"`
	Strategy    string            `json:"strategy,omitempty"`
}

// options converts o. An empty strategy keeps the manager's default.
func (o RunOptions) options() (orchestrator.Options, error) {
	opts := orchestrator.Options{Assignments: o.Assignments}
	if o.Strategy == "" {
		return opts, nil
	}
	strategy, err := orchestrator.ParseStrategy(o.Strategy)
	if err != nil {
		return orchestrator.Options{}, err
	}
	opts.Strategy = strategy
	return opts, nil
}

// ExtendTextRequest appends a plain-text plan to a constellation.
type ExtendTextRequest struct {
	Text string `json:"text" binding:"required"`
}

// ConstellationResponse is a constellation with its session view.
type ConstellationResponse struct {
	Constellation *constellation.Document `json:"constellation"`
	Session       session.Info            `json:"session"`
}

// RegisterDeviceRequest adds a device to the registry.
type RegisterDeviceRequest struct {
	ID           string   `json:"id" binding:"required"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := gin.H{"sessions": "ok"}

	if s.health != nil {
		hs := s.health.GetStatus()
		checks["devices"] = hs
		if !hs.Healthy {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleSubmit handles constellation submission
func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}

	opts, err := req.options()
	if err != nil {
		s.badRequest(c, "Invalid strategy", err)
		return
	}

	sources := 0
	for _, set := range []bool{req.Plan != nil, req.Text != "", req.Request != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		s.badRequest(c, "Exactly one of plan, text or request is required", nil)
		return
	}

	ctx := c.Request.Context()
	var info session.Info

	switch {
	case req.Request != "":
		info, err = s.sessions.Plan(ctx, req.Request, opts)
	default:
		var cons *constellation.Constellation
		if req.Plan != nil {
			if req.Name != "" {
				req.Plan.Name = req.Name
			}
			cons, err = constructor.Build(req.Plan)
		} else {
			cons, err = constructor.FromText(req.Name, req.Text)
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		info, err = s.sessions.Submit(ctx, cons, opts)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("constellation submitted via API",
		zap.String("constellation_id", info.ConstellationID),
		zap.String("name", info.Name))

	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleList(c *gin.Context) {
	infos, err := s.sessions.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constellations": infos, "count": len(infos)})
}

func (s *Server) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	cons, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.sessions.Info(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ConstellationResponse{Constellation: cons.ToDocument(), Session: info})
}

// handleStatus handles session status requests
func (s *Server) handleStatus(c *gin.Context) {
	info, err := s.sessions.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleResult handles result requests
func (s *Server) handleResult(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	info, err := s.sessions.Info(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if info.Running {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_COMPLETED",
				Message: "Constellation is still running",
				Details: "State: " + string(info.State),
			},
		})
		return
	}

	res, err := s.sessions.Result(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NO_RESULT",
				Message: "Constellation has not been orchestrated",
			},
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStatistics(c *gin.Context) {
	cons, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cons.Statistics())
}

func (s *Server) handleOrder(c *gin.Context) {
	cons, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	order, err := cons.TopologicalOrder()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) handleReady(c *gin.Context) {
	cons, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": cons.ReadyTasks()})
}

// handleRun starts a new session on a stored constellation.
func (s *Server) handleRun(c *gin.Context) {
	var req RunOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request body", err)
			return
		}
	}
	opts, err := req.options()
	if err != nil {
		s.badRequest(c, "Invalid strategy", err)
		return
	}

	ctx := c.Request.Context()
	cons, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.sessions.Submit(ctx, cons, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, info)
}

func (s *Server) handleCancel(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := s.sessions.Cancel(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.sessions.Info(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleExtendText parses a plain-text plan and merges it into the graph.
func (s *Server) handleExtendText(c *gin.Context) {
	var req ExtendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	spec, err := constructor.ParseText(req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.extend(c, spec)
}

func (s *Server) handleAddTask(c *gin.Context) {
	var ts constructor.TaskSpec
	if err := c.ShouldBindJSON(&ts); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	s.extend(c, &constructor.Spec{Tasks: constructor.TaskList{ts}})
}

func (s *Server) handleAddDependency(c *gin.Context) {
	var ds constructor.DependencySpec
	if err := c.ShouldBindJSON(&ds); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	s.extend(c, &constructor.Spec{Dependencies: constructor.DependencyList{ds}})
}

func (s *Server) extend(c *gin.Context, spec *constructor.Spec) {
	applied, err := s.sessions.Extend(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, applied)
}

func (s *Server) handleRemoveTask(c *gin.Context) {
	if err := s.sessions.RemoveTask(c.Request.Context(), c.Param("id"), c.Param("taskId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRemoveDependency(c *gin.Context) {
	if err := s.sessions.RemoveDependency(c.Request.Context(), c.Param("id"), c.Param("depId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListDevices(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}
	list := s.devices.List()
	c.JSON(http.StatusOK, gin.H{"devices": list, "count": len(list)})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}
	d, ok := s.devices.Get(c.Param("id"))
	if !ok {
		s.fail(c, devices.ErrUnknownDevice)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err)
		return
	}
	if err := s.devices.Register(devices.Device{ID: req.ID, Type: req.Type, Capabilities: req.Capabilities}); err != nil {
		s.fail(c, err)
		return
	}
	d, _ := s.devices.Get(req.ID)
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleUnregisterDevice(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}
	if err := s.devices.Unregister(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}
	if err := s.devices.Heartbeat(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	d, _ := s.devices.Get(c.Param("id"))
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleDeviceHealth(c *gin.Context) {
	if s.health == nil {
		s.unavailable(c, "Device health monitor not configured")
		return
	}
	c.JSON(http.StatusOK, s.health.GetStatus())
}

func (s *Server) requireDevices(c *gin.Context) bool {
	if s.devices == nil {
		s.unavailable(c, "Device registry not configured")
		return false
	}
	return true
}

func (s *Server) unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: ErrorDetail{Code: "SERVICE_UNAVAILABLE", Message: msg},
	})
}

func (s *Server) badRequest(c *gin.Context, msg string, err error) {
	detail := ErrorDetail{Code: "INVALID_REQUEST", Message: msg}
	if err != nil {
		detail.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: detail})
}

// fail maps a domain error to its HTTP status and writes the error response.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(c.Request.Method, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}})
}

func classify(method string, err error) (int, string) {
	var (
		structural *constellation.StructuralError
		stateErr   *constellation.StateError
		validation *orchestrator.ValidationError
	)

	switch {
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, devices.ErrUnknownDevice):
		return http.StatusNotFound, "DEVICE_NOT_FOUND"
	case errors.Is(err, devices.ErrDuplicateDevice):
		return http.StatusConflict, "DEVICE_EXISTS"
	case errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict, "ALREADY_RUNNING"
	case errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict, "NOT_RUNNING"
	case errors.As(err, &stateErr):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, controller.ErrNoEditor):
		return http.StatusNotImplemented, "PLANNER_UNAVAILABLE"
	case method == http.MethodDelete &&
		(errors.Is(err, constellation.ErrUnknownTask) || errors.Is(err, constellation.ErrUnknownDependency)):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &structural),
		errors.Is(err, constellation.ErrUnknownTask),
		errors.As(err, &validation),
		errors.Is(err, orchestrator.ErrEmptyConstellation),
		errors.Is(err, constructor.ErrEmptyPlan),
		errors.Is(err, constructor.ErrInvalidSpec):
		return http.StatusUnprocessableEntity, "INVALID_CONSTELLATION"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
