package bootstrap

import (
	"context"
	"database/sql"
	"time"

	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/storage"
)

type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Detail string          `json:"detail,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports on the usage database, the notification hub and
// whether an upstream key is configured.
type HealthChecker struct {
	db        *sql.DB
	hub       *notify.Hub
	hasAPIKey bool
}

func NewHealthChecker(db *sql.DB, hub *notify.Hub, hasAPIKey bool) *HealthChecker {
	return &HealthChecker{db: db, hub: hub, hasAPIKey: hasAPIKey}
}

func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database":        hc.checkDatabase(ctx),
		"websocket_hub":   hc.checkHub(),
		"upstream_apikey": hc.checkAPIKey(),
	}

	overall := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	version, err := storage.SchemaVersion(ctx, hc.db)
	if err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	if version == "" {
		return ComponentHealth{Status: StatusUnavailable, Error: "schema not migrated"}
	}
	return ComponentHealth{Status: StatusOK, Detail: "schema " + version}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "websocket hub not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkAPIKey() ComponentHealth {
	if !hc.hasAPIKey {
		return ComponentHealth{Status: StatusUnavailable, Error: "upstream api key not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}
