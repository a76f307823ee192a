// Package conversation keeps per-session chat history for multi-turn
// queries. Each conversation holds a bounded window of recent messages;
// sessions idle past a threshold are garbage collected.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/log"
)

// Config controls history bounds and garbage collection.
type Config struct {
	MaxMessages   int           // messages kept per conversation (default: 20)
	IdleThreshold time.Duration // idle time before a conversation is collected (default: 30m)
	GCInterval    time.Duration // sweep period (default: 5m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:   20,
		IdleThreshold: 30 * time.Minute,
		GCInterval:    5 * time.Minute,
	}
}

type conversation struct {
	messages []llm.Message
	lastUsed time.Time
}

// Store tracks conversations by ID. Conversations are created lazily on
// first append and expire after the idle threshold.
type Store struct {
	cfg    Config
	logger log.Logger

	mu    sync.Mutex
	convs map[string]*conversation

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a conversation store.
func NewStore(cfg Config, logger log.Logger) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "conversation"),
		convs:  make(map[string]*conversation),
	}
}

// Append records a message on the conversation, creating it if needed.
// When the window is full the oldest messages are dropped.
func (s *Store) Append(id string, msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		c = &conversation{}
		s.convs[id] = c
	}
	c.messages = append(c.messages, msg)
	if n := len(c.messages); n > s.cfg.MaxMessages {
		// Copy so the backing array does not pin dropped messages.
		trimmed := make([]llm.Message, s.cfg.MaxMessages)
		copy(trimmed, c.messages[n-s.cfg.MaxMessages:])
		c.messages = trimmed
	}
	c.lastUsed = time.Now()
}

// History returns a copy of the conversation's messages, oldest first.
// An unknown ID yields an empty history without creating the
// conversation.
func (s *Store) History(id string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	c.lastUsed = time.Now()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Delete removes a conversation.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
}

// Len returns the number of live conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// StartGC launches the background sweep. Call Stop to terminate it.
func (s *Store) StartGC(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop terminates the GC goroutine and waits for it to exit.
func (s *Store) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.IdleThreshold)
	removed := 0
	for id, c := range s.convs {
		if c.lastUsed.Before(cutoff) {
			delete(s.convs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("collected idle conversations", "removed", removed, "remaining", len(s.convs))
	}
}
