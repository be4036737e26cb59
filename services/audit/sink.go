package audit

import (
	"context"

	"github.com/upb/api-gatekeeper/models"
	"go.uber.org/zap"
)

// LogSink writes each audit record as one structured log line
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Insert logs rec
func (s *LogSink) Insert(ctx context.Context, rec *models.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("audit", RecordFields(rec)...)
	return nil
}
