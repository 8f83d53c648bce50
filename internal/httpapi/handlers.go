// Package httpapi exposes the attendance core over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/classes"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logging"
	"qrattend/internal/model"
	"qrattend/internal/session"
)

const qrImageSize = 320

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the v1 API.
type Handler struct {
	Classes    *classes.Service
	Sessions   *session.Registry
	Attendance *attendance.Service
	Activity   *activity.Recorder
	Checks     map[string]HealthCheck
}

// Routes carries the middleware settings of Register.
type Routes struct {
	SigningKey string
	Issuer     string
	// AdmissionLimit and QRLimit guard the scan and session endpoints. Nil
	// disables the limit.
	AdmissionLimit httpmiddleware.Limiter
	QRLimit        httpmiddleware.Limiter
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter, rt Routes) {
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", httpmiddleware.Fingerprint(), auth.Bearer(rt.SigningKey, rt.Issuer))

	teacher := v1.Group("", auth.RequireRole(auth.RoleTeacher))
	teacher.POST("/classes", h.createClass)
	teacher.GET("/classes", h.listClasses)
	teacher.DELETE("/classes/:id", h.deleteClass)
	teacher.POST("/classes/:id/sessions", limit(rt.QRLimit, "Too many QR generation requests"), h.openSession)
	teacher.GET("/sessions/:id/stats", h.sessionStats)
	teacher.POST("/sessions/:id/close", h.closeSession)
	teacher.GET("/sessions/:id/qr.png", h.sessionQR)

	student := v1.Group("", auth.RequireRole(auth.RoleStudent))
	student.POST("/attendance", limit(rt.AdmissionLimit, "Too many attendance attempts"), h.markAttendance)
	student.GET("/attendance/me", h.history)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/activity", h.listActivity)
}

func limit(l httpmiddleware.Limiter, message string) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return httpmiddleware.RateLimit(l, httpmiddleware.ByClientIP, message)
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) createClass(c *gin.Context) {
	var in classes.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, _ := auth.Current(c)
	cfg, err := h.Classes.Create(c.Request.Context(), id.UserID, in, httpmiddleware.OriginFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

func (h *Handler) listClasses(c *gin.Context) {
	id, _ := auth.Current(c)
	cfgs, err := h.Classes.List(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": cfgs})
}

func (h *Handler) deleteClass(c *gin.Context) {
	id, _ := auth.Current(c)
	if err := h.Classes.Deactivate(c.Request.Context(), id.UserID, c.Param("id"), httpmiddleware.OriginFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) openSession(c *gin.Context) {
	id, _ := auth.Current(c)
	opened, err := h.Sessions.Open(c.Request.Context(), id.UserID, c.Param("id"), httpmiddleware.OriginFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if opened.Reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"session_id":        opened.Session.ID,
		"token":             opened.Token,
		"expires_at":        opened.Session.ExpiresAt,
		"remaining_seconds": opened.RemainingSeconds,
		"reused":            opened.Reused,
		"config":            opened.Config,
	})
}

func (h *Handler) sessionStats(c *gin.Context) {
	id, _ := auth.Current(c)
	stats, err := h.Sessions.Stats(c.Request.Context(), id.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) closeSession(c *gin.Context) {
	id, _ := auth.Current(c)
	if err := h.Sessions.Close(c.Request.Context(), id.UserID, c.Param("id"), httpmiddleware.OriginFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) sessionQR(c *gin.Context) {
	id, _ := auth.Current(c)
	s, err := h.Sessions.Live(c.Request.Context(), id.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	png, err := qrcode.Encode(s.Token, qrcode.Medium, qrImageSize)
	if err != nil {
		writeError(c, apperr.Internal("qr render failed", err))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

type markRequest struct {
	Token    string          `json:"qr_token"`
	Location *model.Location `json:"location"`
}

func (h *Handler) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// an unreadable body is still an attempt and is audited by Admit
		req = markRequest{}
	}
	id, _ := auth.Current(c)
	d, err := h.Attendance.Admit(c.Request.Context(), attendance.Request{
		Token:    req.Token,
		Student:  id.Student(),
		Origin:   httpmiddleware.OriginFrom(c),
		Location: req.Location,
	})
	if err != nil {
		writeErrorWith(c, err, gin.H{"reason": d.Reason})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"record":   d.Record,
		"status":   d.Status,
		"verified": d.Record.Verified,
	})
}

func (h *Handler) history(c *gin.Context) {
	f := attendance.Filter{
		Course:   c.Query("course"),
		ConfigID: c.Query("config_id"),
		Limit:    queryInt(c, "limit", 20),
		Offset:   queryInt(c, "offset", 0),
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		writeError(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		writeError(c, err)
		return
	}
	id, _ := auth.Current(c)
	hist, err := h.Attendance.History(c.Request.Context(), id.UserID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func (h *Handler) listActivity(c *gin.Context) {
	since, err := queryTime(c, "since")
	if err != nil {
		writeError(c, err)
		return
	}
	f := model.ActivityFilter{
		UserID:         c.Query("user_id"),
		SuspiciousOnly: c.Query("all") != "true",
		Since:          since,
		Limit:          queryInt(c, "limit", 100),
	}
	events, err := h.Activity.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, apperr.Internal("activity lookup failed", err))
		return
	}
	if events == nil {
		events = []model.ActivityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func writeError(c *gin.Context, err error) {
	writeErrorWith(c, err, nil)
}

func writeErrorWith(c *gin.Context, err error, extra gin.H) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), nil).ErrorContext(c.Request.Context(), "request failed", "error", err)
	}
	body := gin.H{"error": apperr.PublicMessage(err)}
	for k, v := range extra {
		body[k] = v
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Payload != nil {
		body["details"] = ae.Payload
	}
	c.AbortWithStatusJSON(status, body)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, apperr.Validation("invalid " + key + " date")
}
