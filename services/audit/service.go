package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
)

// Drop reasons reported to the DropRecorder
const (
	DropReasonBufferFull = "buffer_full"
	DropReasonStopped    = "stopped"
	DropReasonSinkError  = "sink_error"
)

// Sink persists audit records
type Sink interface {
	Insert(ctx context.Context, rec *models.AuditRecord) error
}

// DropRecorder counts records that did not reach the sink
type DropRecorder interface {
	AuditDropped(reason string)
}

// Logger handles asynchronous audit logging.
// Record never blocks the request path; anything that cannot be delivered
// is written to the fallback logger instead.
type Logger struct {
	sink          Sink
	logger        *zap.Logger
	fallback      *zap.Logger
	drops         DropRecorder
	records       chan *models.AuditRecord
	workerCount   int
	bufferSize    int
	insertTimeout time.Duration
	wg            sync.WaitGroup

	// mu guards started/stopped and the close of records
	mu      sync.RWMutex
	started bool
	stopped bool

	recorded atomic.Int64
	dropped  atomic.Int64
}

// Config holds configuration for the audit Logger
type Config struct {
	BufferSize    int           // Size of the record buffer channel
	WorkerCount   int           // Number of concurrent workers
	InsertTimeout time.Duration // Per-record sink deadline
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		WorkerCount:   5,
		InsertTimeout: 5 * time.Second,
	}
}

// Option configures a Logger
type Option func(*Logger)

// WithFallbackLogger sets where undeliverable records are written
func WithFallbackLogger(fallback *zap.Logger) Option {
	return func(l *Logger) {
		l.fallback = fallback
	}
}

// WithDropRecorder sets the drop counter
func WithDropRecorder(r DropRecorder) Option {
	return func(l *Logger) {
		l.drops = r
	}
}

// NewLogger creates a new audit Logger
func NewLogger(sink Sink, logger *zap.Logger, cfg Config, opts ...Option) *Logger {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Logger{
		sink:          sink,
		logger:        logger,
		fallback:      logger.Named("audit_fallback"),
		records:       make(chan *models.AuditRecord, cfg.BufferSize),
		workerCount:   cfg.WorkerCount,
		bufferSize:    cfg.BufferSize,
		insertTimeout: cfg.InsertTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start starts the background workers
func (l *Logger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("audit logger already started")
	}
	if l.stopped {
		return fmt.Errorf("audit logger already stopped")
	}

	for i := 0; i < l.workerCount; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}

	l.started = true
	l.logger.Info("started audit logger",
		zap.Int("worker_count", l.workerCount),
		zap.Int("buffer_size", l.bufferSize))

	return nil
}

// Stop stops accepting records and waits for the buffer to drain
func (l *Logger) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return fmt.Errorf("audit logger not started")
	}
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.records)
	l.mu.Unlock()

	l.logger.Info("stopping audit logger", zap.Int("pending_records", len(l.records)))

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("audit logger stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit logger stop timeout after %v", timeout)
	}
}

// Record queues rec for the sink. It never blocks.
func (l *Logger) Record(rec *models.AuditRecord) {
	if rec == nil {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.stopped {
		l.drop(rec, DropReasonStopped, nil)
		return
	}

	select {
	case l.records <- rec:
		l.recorded.Add(1)
	default:
		l.drop(rec, DropReasonBufferFull, nil)
	}
}

func (l *Logger) worker(id int) {
	defer l.wg.Done()

	l.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for rec := range l.records {
		if err := l.deliver(rec); err != nil {
			l.drop(rec, DropReasonSinkError, err)
		}
	}

	l.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (l *Logger) deliver(rec *models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.insertTimeout)
	defer cancel()

	if err := l.sink.Insert(ctx, rec); err != nil {
		return services.Wrap(services.ErrSinkUnavailable, err)
	}
	return nil
}

// drop writes the full record to the fallback logger
func (l *Logger) drop(rec *models.AuditRecord, reason string, err error) {
	l.dropped.Add(1)
	if l.drops != nil {
		l.drops.AuditDropped(reason)
	}

	fields := append(RecordFields(rec), zap.String("drop_reason", reason))
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.fallback.Warn("audit record not delivered", fields...)
}

// GetStats returns statistics about the audit logger
func (l *Logger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		BufferSize:     l.bufferSize,
		PendingRecords: len(l.records),
		WorkerCount:    l.workerCount,
		Started:        l.started && !l.stopped,
		Recorded:       l.recorded.Load(),
		Dropped:        l.dropped.Load(),
	}
}

// Stats represents audit logger statistics
type Stats struct {
	BufferSize     int   `json:"buffer_size"`
	PendingRecords int   `json:"pending_records"`
	WorkerCount    int   `json:"worker_count"`
	Started        bool  `json:"started"`
	Recorded       int64 `json:"recorded"`
	Dropped        int64 `json:"dropped"`
}

// RecordFields renders rec as structured log fields
func RecordFields(rec *models.AuditRecord) []zap.Field {
	return []zap.Field{
		zap.String("audit_id", rec.ID.String()),
		zap.Time("timestamp", rec.Timestamp),
		zap.String("request_id", rec.RequestID),
		zap.String("subject", rec.Subject),
		zap.String("route", rec.Route),
		zap.String("method", rec.Method),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("deny_kind", rec.DenyKind),
		zap.String("reason", rec.Reason),
		zap.String("stage", rec.Stage),
		zap.Int("status_code", rec.StatusCode),
		zap.Int64("latency_ms", rec.LatencyMs()),
		zap.String("client_ip", rec.ClientIP),
		zap.String("user_agent", rec.UserAgent),
	}
}
