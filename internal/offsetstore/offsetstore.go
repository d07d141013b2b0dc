// Package offsetstore persists per-(client, topic) replay progress
// durably, with an in-memory fallback so that a failing database never
// stops an in-process restart from resuming where it left off. The
// in-memory value is always updated, even when the durable write fails.
package offsetstore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/repository"
)

type key struct {
	clientID int64
	topic    string
}

// Store durably persists and reads replay offsets, falling back to an
// in-memory map when the backing repository is unavailable.
type Store struct {
	repo   repository.OffsetRepository
	logger *zap.Logger

	mu  sync.Mutex
	mem map[key]string
}

// New returns a Store backed by repo. repo may be nil, in which case the
// store operates purely in-memory (useful for tests).
func New(repo repository.OffsetRepository, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.Named("offsetstore"),
		mem:    make(map[key]string),
	}
}

// Load returns the last saved replay id (base64), preferring the durable
// store but falling back to the in-memory value if the durable read fails.
func (s *Store) Load(ctx context.Context, clientID int64, topic string) (replayB64 string, ok bool) {
	if s.repo != nil {
		v, found, err := s.repo.Load(ctx, clientID, topic)
		if err == nil {
			if found {
				s.setMem(clientID, topic, v)
			}
			return v, found
		}
		s.logger.Warn("durable offset load failed, falling back to memory",
			zap.Int64("client_id", clientID), zap.String("topic", topic), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.mem[key{clientID, topic}]
	return v, found
}

// Save performs a last-writer-wins upsert. The in-memory value is updated
// unconditionally, even when the durable write fails, so that subsequent
// in-process reconnects (without a restart) still resume correctly.
func (s *Store) Save(ctx context.Context, clientID int64, topic string, replayB64 string, commitMS *int64) {
	s.setMem(clientID, topic, replayB64)

	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, clientID, topic, replayB64, commitMS); err != nil {
		s.logger.Warn("durable offset save failed, in-memory value still updated",
			zap.Int64("client_id", clientID), zap.String("topic", topic), zap.Error(err))
	}
}

// Clear removes the stored offset for (clientID, topic), used when the
// broker reports the stored replay id as invalid.
func (s *Store) Clear(ctx context.Context, clientID int64, topic string) {
	s.mu.Lock()
	delete(s.mem, key{clientID, topic})
	s.mu.Unlock()

	if s.repo == nil {
		return
	}
	if err := s.repo.Clear(ctx, clientID, topic); err != nil {
		s.logger.Warn("durable offset clear failed",
			zap.Int64("client_id", clientID), zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Store) setMem(clientID int64, topic string, replayB64 string) {
	s.mu.Lock()
	s.mem[key{clientID, topic}] = replayB64
	s.mu.Unlock()
}
