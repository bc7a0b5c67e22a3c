package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/health"
	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

type SessionService interface {
	CreateSession(ctx context.Context, userID, templateID string) (models.LabSession, error)
	StopSession(ctx context.Context, sessionID string) (models.LabSession, error)
	GetStatus(ctx context.Context, sessionID string) (models.LabSession, error)
	ListActive(ctx context.Context, userID string) ([]models.LabSession, error)
}

type CommandExecutor interface {
	Execute(ctx context.Context, sessionID, raw string, timeout time.Duration) (*models.CommandExecutionResult, error)
}

type TemplateCatalog interface {
	GetTemplate(id string) (*models.LabTemplate, error)
	List() []*models.LabTemplate
}

type HistoryReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.LabSession, error)
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type Handler struct {
	sessions  SessionService
	executor  CommandExecutor
	templates TemplateCatalog
	history   HistoryReader
	health    HealthChecker
	metrics   http.Handler
	log       logrus.FieldLogger
}

type Option func(*Handler)

// WithHistory enables the archived sessions endpoint.
func WithHistory(h HistoryReader) Option {
	return func(handler *Handler) { handler.history = h }
}

func WithHealth(h HealthChecker) Option {
	return func(handler *Handler) { handler.health = h }
}

// WithMetricsHandler serves Prometheus metrics on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(handler *Handler) { handler.metrics = m }
}

func New(sessions SessionService, executor CommandExecutor, templates TemplateCatalog, log logrus.FieldLogger, opts ...Option) *Handler {
	h := &Handler{
		sessions:  sessions,
		executor:  executor,
		templates: templates,
		log:       log.WithField("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	labs := r.Group("/api/labs")
	{
		labs.GET("", h.ListTemplates)
		labs.GET("/:template_id/instructions", h.GetInstructions)
		labs.GET("/history", h.ListHistory)
		labs.POST("/sessions", h.CreateSession)
		labs.GET("/sessions", h.ListActiveSessions)
		labs.GET("/sessions/:id", h.GetSession)
		labs.POST("/sessions/:id/exec", h.ExecuteCommand)
		labs.POST("/sessions/:id/stop", h.StopSession)
	}
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, models.ErrCommandNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, models.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrProvisioningFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) errorResponse(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{
		"error":      models.ErrorCode(err),
		"request_id": requestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"endpoint":   c.Request.URL.Path,
	}
	if status < http.StatusInternalServerError || status == http.StatusGatewayTimeout {
		body["details"] = err.Error()
	} else {
		h.log.WithError(err).WithField("request_id", body["request_id"]).Warn("Request failed")
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return fmt.Sprintf("%.8s", uuid.New().String())
}

func (h *Handler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusOK})
		return
	}
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

type templateSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (h *Handler) ListTemplates(c *gin.Context) {
	list := h.templates.List()
	out := make([]templateSummary, 0, len(list))
	for _, t := range list {
		out = append(out, templateSummary{ID: t.ID, Name: t.Name, Title: t.Instructions.Title})
	}
	c.JSON(http.StatusOK, gin.H{"labs": out})
}

func (h *Handler) GetInstructions(c *gin.Context) {
	t, err := h.templates.GetTemplate(c.Param("template_id"))
	if err != nil {
		h.errorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"template_id":  t.ID,
		"instructions": t.Instructions,
	})
}

func (h *Handler) CreateSession(c *gin.Context) {
	var body struct {
		UserID     string `json:"user_id" binding:"required"`
		TemplateID string `json:"template_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err), nil)
		return
	}

	s, err := h.sessions.CreateSession(c.Request.Context(), body.UserID, body.TemplateID)
	if err != nil {
		var extra gin.H
		if s.SessionID != "" {
			extra = gin.H{"session_id": s.SessionID, "state": s.State, "exit_reason": s.ExitReason}
		}
		h.errorResponse(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) ListActiveSessions(c *gin.Context) {
	list, err := h.sessions.ListActive(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		h.errorResponse(c, err, nil)
		return
	}
	if list == nil {
		list = []models.LabSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.errorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) ExecuteCommand(c *gin.Context) {
	var body struct {
		Command   string `json:"command" binding:"required"`
		TimeoutMS int64  `json:"timeout_ms"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err), nil)
		return
	}
	if body.TimeoutMS < 0 {
		h.errorResponse(c, fmt.Errorf("%w: timeout_ms must not be negative", models.ErrInvalidRequest), nil)
		return
	}

	timeout := time.Duration(body.TimeoutMS) * time.Millisecond
	result, err := h.executor.Execute(c.Request.Context(), c.Param("id"), body.Command, timeout)
	if err != nil {
		var extra gin.H
		if result != nil {
			extra = gin.H{"result": result}
		}
		h.errorResponse(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) StopSession(c *gin.Context) {
	s, err := h.sessions.StopSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.errorResponse(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  s.SessionID,
		"state":       s.State,
		"exit_reason": s.ExitReason,
	})
}

func (h *Handler) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "session history is not configured"})
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		h.errorResponse(c, fmt.Errorf("%w: user_id is required", models.ErrInvalidRequest), nil)
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.errorResponse(c, fmt.Errorf("%w: limit must be a positive integer", models.ErrInvalidRequest), nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	list, err := h.history.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.errorResponse(c, err, nil)
		return
	}
	if list == nil {
		list = []models.LabSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}
