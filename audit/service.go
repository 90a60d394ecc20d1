// Package audit records security-relevant actions (sign-ins, contact changes,
// uploads) to the audit_events table without blocking the request path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Actions written by the API layer.
const (
	ActionRegister      = "auth.register"
	ActionLogin         = "auth.login"
	ActionLoginFailed   = "auth.login_failed"
	ActionLogout        = "auth.logout"
	ActionContactReq    = "contact.request"
	ActionContactAccept = "contact.accept"
	ActionContactReject = "contact.reject"
	ActionUpload        = "upload.create"
	ActionUploadDelete  = "upload.delete"
	ActionAvatarSet     = "profile.avatar_set"
	ActionAvatarClear   = "profile.avatar_clear"
)

// Entry is one audit event. UserID 0 means anonymous.
type Entry struct {
	TraceID  string
	UserID   int64
	Action   string
	Detail   interface{}
	Err      error
	IP       string
	Duration time.Duration
}

// Recorder accepts audit entries.
type Recorder interface {
	Log(entry Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Log(Entry) {}

// Service writes entries asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.AuditEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditEvent, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

func toRecord(e Entry) *model.AuditEvent {
	rec := &model.AuditEvent{
		TraceID:   e.TraceID,
		Action:    e.Action,
		ClientIP:  e.IP,
		LatencyMs: e.Duration.Milliseconds(),
	}
	if e.UserID != 0 {
		uid := e.UserID
		rec.ActorID = &uid
	}
	if e.Detail != nil {
		if b, err := json.Marshal(e.Detail); err == nil {
			rec.Detail = datatypes.JSON(b)
		}
	}
	if e.Err != nil {
		rec.Failure = e.Err.Error()
	}
	return rec
}

// Log enqueues entry. It never blocks; entries are dropped when the queue is
// full or the service has stopped.
func (svc *Service) Log(entry Entry) {
	select {
	case <-svc.stopCh:
		return
	default:
	}
	select {
	case svc.ch <- toRecord(entry):
	default:
		svc.logger.Warn("audit queue full, dropping entry", zap.String("action", entry.Action))
	}
}

// Stop flushes queued entries and waits for the worker to exit.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

// Recent returns up to limit entries, newest first. A non-zero userID limits
// the result to that user.
func (svc *Service) Recent(ctx context.Context, userID int64, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if userID != 0 {
		q = q.Where("actor_id = ?", userID)
	}
	logs := []model.AuditEvent{}
	err := q.Find(&logs).Error
	return logs, err
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditEvent, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-svc.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case rec := <-svc.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
