package service

import (
	"context"
	"net/http"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/checksum-tokenizer/internal/middleware"
	"github.com/mylxsw/checksum-tokenizer/internal/storage"
)

func (s *Service) prepareUsageRecord(r *http.Request, encoding, model string, words, tokens int, label string, statusCode int, start time.Time) *storage.UsageRecord {
	if s.usageStore == nil || !s.cfg.SaveUsage {
		return nil
	}
	return &storage.UsageRecord{
		CreatedAt:  time.Now(),
		RequestID:  middleware.RequestIDFromContext(r.Context()),
		Path:       r.URL.Path,
		Encoding:   encoding,
		Model:      model,
		Words:      words,
		Tokens:     tokens,
		Label:      label,
		StatusCode: statusCode,
		Duration:   time.Since(start),
	}
}

func (s *Service) saveUsageRecord(ctx context.Context, record storage.UsageRecord) {
	if s.usageStore == nil || !s.cfg.SaveUsage {
		return
	}

	go func(rec storage.UsageRecord) {
		base := context.Background()
		if ctx != nil {
			base = context.WithoutCancel(ctx)
		}
		ctxWithTimeout, cancel := context.WithTimeout(base, 5*time.Second)
		defer cancel()
		if err := s.usageStore.RecordUsage(ctxWithTimeout, rec); err != nil {
			log.Warningf("save usage record: %v", err)
		}
	}(record)
}

// CleanupUsage removes records older than the configured retention.
func (s *Service) CleanupUsage(ctx context.Context) {
	if s.usageStore == nil || s.cfg.RetentionDays <= 0 {
		return
	}
	removed, err := s.usageStore.CleanupOldRecords(ctx, s.cfg.RetentionDays)
	if err != nil {
		log.Warningf("cleanup usage records: %v", err)
		return
	}
	if removed > 0 {
		log.Infof("removed %d usage records older than %d days", removed, s.cfg.RetentionDays)
	}
}
