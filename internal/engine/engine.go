package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"trustgate/internal/checkpoint"
	"trustgate/internal/config"
	"trustgate/internal/decision"
	"trustgate/internal/domain"
	"trustgate/internal/events"
	"trustgate/internal/ids"
	"trustgate/internal/repo"
)

// Engine wires the checkpoint invoker and event emitter to the decision
// service and the audit store. It is the recorder for both.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Invoker  checkpoint.Invoker
	Emitter  *checkpoint.Emitter
	Logger   *log.Logger
	Now      func() time.Time
	recorder checkpoint.Recorders
}

// Options carries collaborators that are not derived from the config.
type Options struct {
	Service checkpoint.DecisionService
	Logger  *log.Logger
	// Recorders observe outcomes in addition to the audit store.
	Recorders []checkpoint.Recorder
}

// New builds an Engine. When opts.Service is nil a decision client is built
// from cfg; an unconfigured client is fine and makes every call fail fast.
func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: opts.Logger,
		Now:    time.Now,
	}
	svc := opts.Service
	if svc == nil {
		svc = decision.New(decision.Config{
			BaseURL:    cfg.Decision.APIURL,
			APIKey:     cfg.Decision.APIKey,
			APIVersion: cfg.Decision.APIVersion,
			Timeout:    cfg.DecisionTimeout(),
		})
	}
	e.recorder = append(checkpoint.Recorders{auditRecorder{e}}, opts.Recorders...)
	e.Emitter = &checkpoint.Emitter{
		Service:  svc,
		Recorder: e.recorder,
		Logger:   opts.Logger,
		Now:      e.now,
	}
	e.Invoker = checkpoint.Invoker{
		Service:          svc,
		Recorder:         e.recorder,
		Logger:           opts.Logger,
		BackendData:      cfg.Policy.BackendData,
		Options:          decision.Options{Sync: cfg.Decision.Sync, Timeout: cfg.Decision.CheckpointTimeoutMS},
		TrackCheckpoints: cfg.Policy.TrackCheckpoints,
		Emitter:          e.Emitter,
		Now:              e.now,
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Close waits for background event deliveries to finish.
func (e *Engine) Close() {
	e.Emitter.Wait()
}

type auditRecorder struct {
	e *Engine
}

func (a auditRecorder) RecordCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) {
	if a.e.DB == nil {
		return
	}
	if err := a.e.recordCheckpoint(context.WithoutCancel(ctx), rec); err != nil {
		a.e.logger().Printf("audit: record checkpoint %s failed: %v", rec.Name, err)
	}
}

func (a auditRecorder) RecordEvent(ctx context.Context, rec checkpoint.EventRecord) {
	if a.e.DB == nil {
		return
	}
	if err := a.e.recordEvent(context.WithoutCancel(ctx), rec); err != nil {
		a.e.logger().Printf("audit: record event %s failed: %v", rec.Name, err)
	}
}

func (e *Engine) recordCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	row := domain.VerificationRecord{
		ID:                     ids.Record(),
		CheckpointName:         rec.Name,
		Status:                 string(rec.Result.Status),
		Success:                rec.Result.Success,
		PreviousVerificationID: rec.PreviousVerificationID,
		SessionID:              rec.SessionID,
		UserID:                 rec.UserID,
		IP:                     rec.IP,
		ErrorMessage:           rec.Result.ErrorMessage,
		DurationMS:             rec.Duration.Milliseconds(),
		CreatedAt:              rec.At.UTC().Format(time.RFC3339Nano),
	}
	if v := rec.Result.Verification; v != nil {
		row.VerificationID = v.ID
		row.VerificationStatus = v.Status
		row.Outcome = v.Outcome
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVerificationRecordTx(ctx, tx, row); err != nil {
		return err
	}
	payload := events.EventPayload{
		"record_id":  row.ID,
		"checkpoint": row.CheckpointName,
		"status":     row.Status,
		"success":    row.Success,
	}
	if row.ErrorMessage != "" {
		payload["error"] = row.ErrorMessage
	}
	if row.PreviousVerificationID != "" {
		payload["previous_verification_id"] = row.PreviousVerificationID
	}
	entityID := row.VerificationID
	if entityID == "" {
		entityID = row.ID
	}
	if _, err := e.Events.Append(ctx, tx, events.Entry{
		Type:       domain.EventCheckpointCompleted,
		EntityKind: "checkpoint",
		EntityID:   entityID,
		ActorID:    row.UserID,
		SessionID:  row.SessionID,
	}, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) recordEvent(ctx context.Context, rec checkpoint.EventRecord) error {
	d := domain.EventDelivery{
		ID:           ids.Record(),
		EventName:    rec.Name,
		Success:      rec.Result.Success,
		Attempts:     rec.Attempts,
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		ErrorMessage: rec.Result.ErrorMessage,
		CreatedAt:    rec.At.UTC().Format(time.RFC3339Nano),
	}
	if d.EventName == "" {
		d.EventName = "(invalid)"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEventDeliveryTx(ctx, tx, d); err != nil {
		return err
	}
	evtType := domain.EventEventDelivered
	if !d.Success {
		evtType = domain.EventEventFailed
	}
	payload := events.EventPayload{"delivery_id": d.ID, "attempts": d.Attempts}
	if d.ErrorMessage != "" {
		payload["error"] = d.ErrorMessage
	}
	if _, err := e.Events.Append(ctx, tx, events.Entry{
		Type:       evtType,
		EntityKind: "event",
		EntityID:   d.EventName,
		ActorID:    d.UserID,
		SessionID:  d.SessionID,
	}, payload); err != nil {
		return err
	}
	return tx.Commit()
}
