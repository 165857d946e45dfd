package streaming

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/canonical"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
)

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// EventTimeout bounds produce plus archive for one event.
	EventTimeout time.Duration
}

// Streamer relays escalation events written to Postgres onto Kafka and into
// the S3 archive. The database row tracks each event's stream status, so a
// crash between write and publish is retried on the next poll.
type Streamer struct {
	outbox   store.Outbox
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *zap.Logger
}

func NewStreamer(outbox store.Outbox, producer Producer, archiver Archiver, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{outbox: outbox, producer: producer, archiver: archiver, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled, processing each claimed batch with
// bounded concurrency before claiming the next.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("escalation streamer starting",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_concurrency", s.cfg.MaxConcurrency))
	defer s.logger.Info("escalation streamer stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.drainOnce(ctx)
		if err != nil {
			s.logger.Warn("fetch pending escalation events", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Streamer) drainOnce(ctx context.Context) (int, error) {
	events, err := s.outbox.FetchPendingEventsForStreaming(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, ev := range events {
		sem <- struct{}{}
		wg.Add(1)
		go func(ev models.EscalationEvent) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := s.processEvent(ctx, ev); err != nil {
				s.logger.Warn("stream escalation event", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}(ev)
	}
	wg.Wait()
	return len(events), nil
}

func (s *Streamer) processEvent(parent context.Context, ev models.EscalationEvent) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EventTimeout)
	defer cancel()

	fail := func(stage string, err error) error {
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		if markErr := s.outbox.MarkEventStreamResult(parent, ev.ID, sql.NullString{}, false, msg); markErr != nil {
			s.logger.Warn("mark stream failure", zap.String("event_id", ev.ID), zap.Error(markErr))
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	body, err := canonical.Marshal(ev)
	if err != nil {
		return fail("canonicalize event", err)
	}
	producedAt, err := s.producer.Produce(ctx, []byte(ev.InstanceID), body)
	if err != nil {
		return fail("kafka produce", err)
	}

	var archivedKey sql.NullString
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			return fail("s3 archive", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	}

	if err := s.outbox.MarkEventStreamResult(parent, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}
	s.logger.Debug("escalation event streamed",
		zap.String("event_id", ev.ID),
		zap.Time("produced_at", producedAt),
		zap.String("archived_key", archivedKey.String))
	return nil
}
