// Package audit records security-relevant authorization events: policy
// rejections, untrusted broad identity, and remote access denials. Events
// always go to the structured log with a security marker; when a Postgres
// pool is configured they are additionally persisted for after-the-fact
// review. Ordinary failures do not pass through here.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"shardgate/internal/fault"
)

// Event is one security-relevant occurrence in the request pipeline.
type Event struct {
	Kind      fault.Kind
	TenantID  string
	Operation string
	RequestID string
	Detail    string
	At        time.Time
}

// Recorder fans events out to the log and the optional Postgres sink.
// A nil pool means log-only; recording never fails the request.
type Recorder struct {
	log  *zap.SugaredLogger
	pool *pgxpool.Pool
}

func NewRecorder(log *zap.SugaredLogger, pool *pgxpool.Pool) *Recorder {
	return &Recorder{log: log, pool: pool}
}

// EnsureSchema creates the audit table if missing.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS security_events (
  id bigserial PRIMARY KEY,
  kind text NOT NULL,
  tenant_id text NOT NULL DEFAULT '',
  operation text NOT NULL DEFAULT '',
  request_id text NOT NULL DEFAULT '',
  detail text NOT NULL DEFAULT '',
  occurred_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS security_events_tenant_idx ON security_events (tenant_id, occurred_at);
`)
	return err
}

// Record logs the event and, when a sink is configured, persists it. The
// insert runs on a short independent deadline so a slow sink cannot stall
// the already-failing request.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.log.Warnw("security event",
		"security", true,
		"kind", ev.Kind.String(),
		"tenant", ev.TenantID,
		"op", ev.Operation,
		"reqid", ev.RequestID,
		"detail", ev.Detail,
	)
	if r.pool == nil {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := r.pool.Exec(ictx, `
INSERT INTO security_events (kind, tenant_id, operation, request_id, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Kind.String(), ev.TenantID, ev.Operation, ev.RequestID, ev.Detail, ev.At); err != nil {
		r.log.Errorw("audit insert failed", "err", err)
	}
}

// MustConnect opens the optional audit pool. Empty URL disables the sink.
func MustConnect(databaseURL string, log *zap.SugaredLogger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		log.Fatalw("pg connect", "err", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		log.Fatalw("pg ping", "err", err)
	}
	log.Infow("audit sink ready")
	return pool
}
