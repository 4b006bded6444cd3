// Package httpapi is the HTTP surface of the permit engine.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"athens-ptw.org/internal/event"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/offline"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/sched"
	"athens-ptw.org/internal/tenant"
)

// ReadyProbe checks the backing store before /readyz reports ready.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// Config tunes the HTTP layer.
type Config struct {
	Version         string
	DevTokens       bool // expose /v1/auth/token for development logins
	RateLimitRPS    int
	RateLimitBurst  int
	MaxBodyBytes    int64
	BulkExportLimit int // page cap on permit listings
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *ptw.Service
	reconciler *offline.Reconciler
	registry   tenant.Registry
	directory  tenant.Directory

	notifications event.NotificationStore
	subscriptions event.SubscriptionStore
	deliveries    event.DeliveryLog
	broker        event.Broker

	jobs       *sched.Health
	readyProbe ReadyProbe
	cfg        Config
}

// Deps bundles what the API serves.
type Deps struct {
	Service       *ptw.Service
	Reconciler    *offline.Reconciler
	Registry      tenant.Registry
	Directory     tenant.Directory
	Notifications event.NotificationStore
	Subscriptions event.SubscriptionStore
	Deliveries    event.DeliveryLog
	Broker        event.Broker
	Jobs          *sched.Health
	Ready         ReadyProbe
}

// New wires the routes.
func New(d Deps, cfg Config) *API {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.BulkExportLimit <= 0 {
		cfg.BulkExportLimit = 200
	}
	a := &API{
		mux:           http.NewServeMux(),
		svc:           d.Service,
		reconciler:    d.Reconciler,
		registry:      d.Registry,
		directory:     d.Directory,
		notifications: d.Notifications,
		subscriptions: d.Subscriptions,
		deliveries:    d.Deliveries,
		broker:        d.Broker,
		jobs:          d.Jobs,
		readyProbe:    d.Ready,
		cfg:           cfg,
	}

	m := a.mux

	// health/ready/info
	m.HandleFunc("GET /healthz", a.Healthz)
	m.HandleFunc("GET /readyz", a.Ready)
	m.HandleFunc("GET /v1/info", a.Info)
	m.Handle("GET /metrics", obs.Handler())
	m.HandleFunc("GET /v1/system/jobs", a.listJobs)

	if cfg.DevTokens {
		m.HandleFunc("POST /v1/auth/token", a.mintToken)
	}

	// permit types
	m.HandleFunc("POST /v1/permit-types", a.createPermitType)
	m.HandleFunc("GET /v1/permit-types", a.listPermitTypes)
	m.HandleFunc("GET /v1/permit-types/{id}", a.getPermitType)

	// permits
	m.HandleFunc("POST /v1/permits", a.createPermit)
	m.HandleFunc("GET /v1/permits", a.listPermits)
	m.HandleFunc("GET /v1/permits/{id}", a.getPermit)
	m.HandleFunc("PATCH /v1/permits/{id}", a.updatePermit)
	m.HandleFunc("POST /v1/permits/{id}/transition", a.transitionPermit)

	// workflow
	m.HandleFunc("POST /v1/permits/{id}/assign-verifier", a.assignVerifier)
	m.HandleFunc("POST /v1/permits/{id}/verify", a.verifyPermit)
	m.HandleFunc("POST /v1/permits/{id}/approve", a.approvePermit)
	m.HandleFunc("GET /v1/permits/{id}/workflow", a.getWorkflow)
	m.HandleFunc("GET /v1/permits/{id}/audit", a.listAudit)

	// signatures
	m.HandleFunc("POST /v1/permits/{id}/signatures", a.addSignature)
	m.HandleFunc("GET /v1/permits/{id}/signatures", a.listSignatures)

	// collateral
	m.HandleFunc("POST /v1/permits/{id}/gas-readings", a.addGasReading)
	m.HandleFunc("GET /v1/permits/{id}/gas-readings", a.listGasReadings)
	m.HandleFunc("POST /v1/permits/{id}/isolation-points", a.upsertIsolationPoint)
	m.HandleFunc("GET /v1/permits/{id}/isolation-points", a.listIsolationPoints)
	m.HandleFunc("PATCH /v1/permits/{id}/isolation-points/{pointID}", a.updateIsolationPoint)
	m.HandleFunc("GET /v1/permits/{id}/closeout", a.getCloseout)
	m.HandleFunc("PUT /v1/permits/{id}/closeout", a.putCloseout)
	m.HandleFunc("POST /v1/permits/{id}/extensions", a.requestExtension)
	m.HandleFunc("GET /v1/permits/{id}/extensions", a.listExtensions)
	m.HandleFunc("POST /v1/permits/{id}/extensions/{extID}/decide", a.decideExtension)
	m.HandleFunc("POST /v1/permits/{id}/photos", a.addPhoto)

	// offline sync
	m.HandleFunc("POST /v1/sync", a.syncBatch)

	// notifications
	m.HandleFunc("GET /v1/notifications", a.listNotifications)
	m.HandleFunc("POST /v1/notifications/{id}/read", a.markNotificationRead)
	m.HandleFunc("POST /v1/notifications/read-all", a.markAllNotificationsRead)
	m.HandleFunc("GET /v1/notifications/stream", a.streamNotifications)

	// webhooks
	m.HandleFunc("POST /v1/webhooks", a.createWebhook)
	m.HandleFunc("GET /v1/webhooks", a.listWebhooks)
	m.HandleFunc("DELETE /v1/webhooks/{id}", a.deleteWebhook)
	m.HandleFunc("GET /v1/webhooks/{id}/deliveries", a.listWebhookDeliveries)

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.cfg.RateLimitBurst, a.cfg.RateLimitRPS)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// Healthz reports process liveness.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "athens-ptw",
		"version": a.cfg.Version,
	})
}

// Ready reports store readiness.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Info exposes service metadata.
func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "athens-ptw",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	if a.jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.jobs.Snapshot()})
}
