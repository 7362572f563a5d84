package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/auth"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/moderation"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/verification"
	"github.com/mr1hm/report-verification/internal/votes"
)

// TrustReader exposes submitter trust scores.
type TrustReader interface {
	Score(ctx context.Context, userID string) (*models.TrustScore, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	reports     repository.ReportRepository
	db          Pinger
	engine      *verification.Engine
	ledger      *votes.Ledger
	moderation  *moderation.Service
	trust       TrustReader
	publisher   events.Publisher
	broadcaster *events.Broadcaster
	auth        *auth.Authenticator
	clock       clockwork.Clock
}

type Deps struct {
	Reports     repository.ReportRepository
	DB          Pinger
	Engine      *verification.Engine
	Ledger      *votes.Ledger
	Moderation  *moderation.Service
	Trust       TrustReader
	Publisher   events.Publisher
	Broadcaster *events.Broadcaster
	Auth        *auth.Authenticator
	Clock       clockwork.Clock
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		reports:     d.Reports,
		db:          d.DB,
		engine:      d.Engine,
		ledger:      d.Ledger,
		moderation:  d.Moderation,
		trust:       d.Trust,
		publisher:   d.Publisher,
		broadcaster: d.Broadcaster,
		auth:        d.Auth,
		clock:       d.Clock,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/readyz", h.ready)

	api := r.Group("/api", h.auth.Middleware())
	authed := api.Group("", auth.RequireCaller())

	api.GET("/reports", h.listReports)
	api.GET("/reports/geojson", h.reportsGeoJSON)
	api.GET("/reports/stream", h.streamReports)
	api.GET("/reports/:id", h.getReport)
	authed.POST("/reports", h.createReport)
	authed.DELETE("/reports/:id", h.deleteReport)

	authed.POST("/reports/:id/vote", h.castVote)
	authed.PUT("/reports/:id/moderate", h.moderate)
	authed.DELETE("/reports/:id/moderate", h.clearOverride)
	authed.GET("/reports/:id/moderation", h.moderationHistory)

	authed.POST("/water-issues/:id/municipality-response", h.respond)
	authed.PUT("/water-issues/:id/status", h.advanceLifecycle)

	authed.POST("/verification/verify/:reportId", h.verifyReport)
	api.GET("/verification/status/:reportId", h.verificationStatus)
	authed.POST("/verification/bulk-verify", h.bulkVerify)
	api.GET("/verification/statistics", h.statistics)

	api.GET("/users/:id/trust", h.trustScore)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type locationRequest struct {
	District  string  `json:"district" binding:"required,max=200"`
	State     string  `json:"state" binding:"max=200"`
	Latitude  float64 `json:"latitude" binding:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" binding:"gte=-180,lte=180"`
}

type createReportRequest struct {
	Kind        models.ReportKind `json:"kind" binding:"required,oneof=flood water-issue"`
	Location    locationRequest   `json:"location"`
	Description string            `json:"description" binding:"max=5000"`
	Severity    models.Severity   `json:"severity" binding:"omitempty,oneof=low medium high critical"`
	Media       []string          `json:"media" binding:"max=10,dive,url"`
}

func (h *Handler) createReport(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req createReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Severity == "" {
		req.Severity = models.SeverityMedium
	}

	report := models.NewReport(
		uuid.NewString(),
		req.Kind,
		caller.UserID,
		models.Location{
			District:  req.Location.District,
			State:     req.Location.State,
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
		},
		req.Description,
		req.Severity,
		req.Media,
		h.clock.Now(),
	)
	if err := h.reports.CreateReport(c.Request.Context(), report); err != nil {
		writeError(c, err)
		return
	}

	slog.Info("report created", "report_id", report.ID, "kind", report.Kind, "submitter_id", report.SubmitterID)
	h.publish(c.Request.Context(), events.TypeReportCreated, report)
	c.JSON(http.StatusCreated, report)
}

func (h *Handler) getReport(c *gin.Context) {
	report, err := h.reports.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) listReports(c *gin.Context) {
	reports, err := h.reports.ListReports(c.Request.Context(), parseFilter(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

func (h *Handler) reportsGeoJSON(c *gin.Context) {
	reports, err := h.reports.ListReports(c.Request.Context(), parseFilter(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, toGeoJSON(reports))
}

func parseFilter(c *gin.Context) repository.Filter {
	filter := repository.Filter{
		Limit: 20, // Default to 20 reports if limit param not supplied
	}

	if k := models.ReportKind(c.Query("kind")); k.Valid() {
		filter.Kind = &k
	}
	if s := models.VerificationStatus(c.Query("status")); s.Valid() {
		filter.Status = &s
	}
	if l := models.LifecycleStatus(c.Query("lifecycle_status")); l.Valid() {
		filter.Lifecycle = &l
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			filter.Since = &t
		}
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			filter.Limit = lim
		}
	}
	if o := c.Query("offset"); o != "" {
		if off, err := strconv.Atoi(o); err == nil && off >= 0 {
			filter.Offset = off
		}
	}
	return filter
}

func (h *Handler) deleteReport(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	if !caller.HasAny(models.RoleAdmin) {
		writeError(c, apperr.Forbidden("admin role required"))
		return
	}

	ctx := c.Request.Context()
	report, err := h.reports.GetReport(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.reports.DeleteReport(ctx, report.ID); err != nil {
		writeError(c, err)
		return
	}

	slog.Info("report deleted", "report_id", report.ID, "admin_id", caller.UserID)
	h.publish(ctx, events.TypeReportDeleted, report)
	c.Status(http.StatusNoContent)
}

type voteRequest struct {
	Direction models.VoteDirection `json:"direction" binding:"required,oneof=up down"`
}

func (h *Handler) castVote(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.ledger.CastVote(c.Request.Context(), c.Param("id"), caller.UserID, req.Direction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"community_votes": report.Votes,
		"verification":    report.Verification,
	})
}

type moderateRequest struct {
	Action models.ModerationActionType `json:"action" binding:"required"`
	Reason string                      `json:"reason"`
}

func (h *Handler) moderate(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req moderateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.moderation.Moderate(c.Request.Context(), caller, c.Param("id"), req.Action, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type clearOverrideRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) clearOverride(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	// The body is optional.
	var req clearOverrideRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	report, err := h.moderation.ClearOverride(c.Request.Context(), caller, c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) moderationHistory(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	actions, err := h.moderation.History(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type responseRequest struct {
	Message          string     `json:"message" binding:"required,max=2000"`
	ActionTaken      string     `json:"action_taken" binding:"max=2000"`
	EstimatedFixTime *time.Time `json:"estimated_fix_time"`
	Contact          string     `json:"contact" binding:"max=200"`
}

func (h *Handler) respond(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.moderation.Respond(c.Request.Context(), caller, c.Param("id"), moderation.ResponseInput{
		Message:          req.Message,
		ActionTaken:      req.ActionTaken,
		EstimatedFixTime: req.EstimatedFixTime,
		Contact:          req.Contact,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type lifecycleRequest struct {
	Status models.LifecycleStatus `json:"status" binding:"required"`
}

func (h *Handler) advanceLifecycle(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req lifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.moderation.AdvanceLifecycle(c.Request.Context(), caller, c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) verifyReport(c *gin.Context) {
	res, err := h.engine.VerifyReport(c.Request.Context(), c.Param("reportId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report_id":    res.Report.ID,
		"evaluated":    res.Evaluated,
		"verification": res.Report.Verification,
	})
}

func (h *Handler) verificationStatus(c *gin.Context) {
	report, err := h.engine.Status(c.Request.Context(), c.Param("reportId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report_id":       report.ID,
		"verification":    report.Verification,
		"community_votes": report.Votes,
	})
}

type bulkRequest struct {
	Limit int `json:"limit" binding:"required"`
}

func (h *Handler) bulkVerify(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	if !caller.HasAny(models.RoleModerator, models.RoleAdmin) {
		writeError(c, apperr.Forbidden("moderator or admin role required"))
		return
	}

	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.RunBulk(c.Request.Context(), req.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) statistics(c *gin.Context) {
	stats, err := h.engine.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) trustScore(c *gin.Context) {
	score, err := h.trust.Score(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// streamReports sends report events as server-sent events until the client
// disconnects or the broadcaster closes. The kind, status and report_id query
// params narrow the stream; kind and status take comma separated lists.
func (h *Handler) streamReports(c *gin.Context) {
	if h.broadcaster == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming disabled"})
		return
	}

	filter, err := parseStreamFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}

	id, ch := h.broadcaster.Subscribe(filter)
	defer h.broadcaster.Unsubscribe(id)
	slog.Info("stream client connected", "subscriber_id", id, "subscribers", h.broadcaster.SubscriberCount(),
		"kinds", filter.Kinds, "statuses", filter.Statuses, "report_id", filter.ReportID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stream client disconnected", "subscriber_id", id)
			return
		case e, ok := <-ch:
			if !ok {
				slog.Info("broadcaster closed, ending stream", "subscriber_id", id)
				return
			}
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
		}
	}
}

func parseStreamFilter(c *gin.Context) (events.Filter, error) {
	filter := events.Filter{ReportID: c.Query("report_id")}

	for _, v := range splitList(c.Query("kind")) {
		k := models.ReportKind(v)
		if !k.Valid() {
			return events.Filter{}, apperr.Validation("unknown report kind %q", v)
		}
		filter.Kinds = append(filter.Kinds, k)
	}
	for _, v := range splitList(c.Query("status")) {
		s := models.VerificationStatus(v)
		if !s.Valid() {
			return events.Filter{}, apperr.Validation("unknown verification status %q", v)
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	return filter, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *Handler) publish(ctx context.Context, t events.Type, r *models.Report) {
	if err := h.publisher.Publish(ctx, events.NewEvent(t, r, h.clock.Now())); err != nil {
		slog.Warn("report event not delivered", "report_id", r.ID, "type", t, "error", err)
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}
