// Package notify publishes run and conflict events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/model"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubjectPrefix = "skillhub"

	runCompletedSuffix     = "run.completed"
	conflictDetectedSuffix = "conflict.detected"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Options struct {
	Logger *slog.Logger
	// SubjectPrefix is prepended to every event subject.
	SubjectPrefix string
}

type Notifier struct {
	log    *slog.Logger
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// RunCompletedEvent is the payload of <prefix>.run.completed.
type RunCompletedEvent struct {
	RunID        string          `json:"run_id"`
	Outcome      string          `json:"outcome"`
	State        model.SyncState `json:"state"`
	ReadyCount   int             `json:"ready_count"`
	BlockedCount int             `json:"blocked_count"`
	Stats        model.RunStats  `json:"stats"`
	Error        string          `json:"error,omitempty"`
	FinishedAtMs int64           `json:"finished_at_unix_ms"`
}

// ConflictDetectedEvent is the payload of <prefix>.conflict.detected.
type ConflictDetectedEvent struct {
	ConflictID     string                `json:"conflict_id"`
	Type           model.ConflictType    `json:"type"`
	SkillIDs       []string              `json:"skill_ids"`
	Recommendation *model.Recommendation `json:"ai_recommendation,omitempty"`
}

func New(pub Publisher, opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	prefix := strings.Trim(strings.TrimSpace(opts.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Notifier{log: opts.Logger, pub: pub, prefix: prefix}
}

// Connect dials url and returns a notifier that owns the connection.
func Connect(url string, opts Options) (*Notifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("skillhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := New(conn, opts)
	n.conn = conn
	return n, nil
}

func (n *Notifier) Subject(suffix string) string {
	return n.prefix + "." + suffix
}

func (n *Notifier) RunCompleted(ctx context.Context, log model.SyncLog) {
	if n == nil {
		return
	}
	n.publish(ctx, n.Subject(runCompletedSuffix), RunCompletedEvent{
		RunID:        log.ID,
		Outcome:      log.Outcome,
		State:        log.State,
		ReadyCount:   log.ReadyCount,
		BlockedCount: log.BlockedCount,
		Stats:        log.Stats,
		Error:        log.Error,
		FinishedAtMs: log.FinishedAtUnixMs,
	})
}

func (n *Notifier) ConflictDetected(ctx context.Context, c model.Conflict) {
	if n == nil {
		return
	}
	n.publish(ctx, n.Subject(conflictDetectedSuffix), ConflictDetectedEvent{
		ConflictID:     c.ID,
		Type:           c.Type,
		SkillIDs:       c.SkillIDs,
		Recommendation: c.AIRecommendation,
	})
}

// publish never fails the caller; delivery problems are logged.
func (n *Notifier) publish(ctx context.Context, subject string, v any) {
	if n.pub == nil {
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Warn("encode event failed", "subject", subject, "error", err)
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.log.Warn("publish event failed", "subject", subject, "error", err)
	}
}

// Close drains the owned connection, if any.
func (n *Notifier) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
