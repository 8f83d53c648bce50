// Package app wires the attendance core to its storage, queue and HTTP
// surface for the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qrattend/internal/abuse"
	"qrattend/internal/activity"
	"qrattend/internal/attendance"
	"qrattend/internal/classes"
	"qrattend/internal/config"
	"qrattend/internal/httpapi"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/queue"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

// Store is everything the core needs from persistence.
type Store interface {
	session.Store
	attendance.Store
	activity.Store
	abuse.History
	classes.Store
	Healthy(ctx context.Context) bool
}

var (
	_ Store = (*store.DB)(nil)
	_ Store = (*store.Memory)(nil)
)

// App is a wired instance of the service.
type App struct {
	Config     config.App
	Store      Store
	Redis      *store.Redis
	Queue      queue.Queue
	Recorder   *activity.Recorder
	Registry   *session.Registry
	Attendance *attendance.Service
	Classes    *classes.Service
	Log        *slog.Logger

	closers []func() error
}

// New connects the configured backends and builds the services.
func New(ctx context.Context, cfg config.App, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Log: logger}

	switch cfg.StoreBackend {
	case "memory":
		a.Store = store.NewMemory()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.Store = db
		a.closers = append(a.closers, db.Close)
	}

	if cfg.QueueBackend == "memory" {
		a.Queue = queue.NewInMemory(64)
	} else {
		a.Redis = store.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, a.Redis.Close)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, queue.DefaultFlagsKey)
	}

	codec, err := token.NewCodec(cfg.QRSecret, cfg.TokenTTL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Recorder = activity.NewRecorder(a.Store, a.Queue, nil, logger)
	a.Registry = session.NewRegistry(a.Store, codec, a.Recorder, session.Options{
		Retention: cfg.SessionRetention,
		Logger:    logger,
	})
	a.Attendance = attendance.NewService(a.Store, a.Registry, abuse.NewMonitor(a.Store, cfg.Cooldown), a.Recorder, attendance.Options{
		LateAfter: cfg.LateAfter,
		Logger:    logger,
	})
	a.Classes = classes.NewService(a.Store, a.Recorder, nil, logger)
	return a, nil
}

// Handler returns the HTTP handler and its route settings.
func (a *App) Handler() (*httpapi.Handler, httpapi.Routes) {
	checks := map[string]httpapi.HealthCheck{"store": a.Store.Healthy}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy
	}
	h := &httpapi.Handler{
		Classes:    a.Classes,
		Sessions:   a.Registry,
		Attendance: a.Attendance,
		Activity:   a.Recorder,
		Checks:     checks,
	}
	rt := httpapi.Routes{
		SigningKey: a.Config.JWTSigningKey,
		Issuer:     a.Config.JWTIssuer,
	}
	if a.Config.RateLimitBackend == "redis" && a.Redis != nil {
		rt.AdmissionLimit = httpmiddleware.NewRedisWindow(a.Redis.Client, "ratelimit:admission", a.Config.AdmissionPerMin, time.Minute)
		rt.QRLimit = httpmiddleware.NewRedisWindow(a.Redis.Client, "ratelimit:qr", a.Config.QRPerWindow, a.Config.QRWindow)
	} else {
		rt.AdmissionLimit = httpmiddleware.NewSimpleTokenBucket(a.Config.AdmissionPerMin, a.Config.AdmissionPerMin)
		rt.QRLimit = httpmiddleware.NewSimpleTokenBucket(a.Config.QRPerWindow, perMinute(a.Config.QRPerWindow, a.Config.QRWindow))
	}
	return h, rt
}

func perMinute(n int, window time.Duration) int {
	if window <= 0 {
		return n
	}
	rate := int(float64(n) / window.Minutes())
	if rate < 1 {
		rate = 1
	}
	return rate
}

// Close releases backend connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Log != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
