package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/memory"
)

// defaultConsolidationInterval is the default period between flushes.
const defaultConsolidationInterval = 2 * time.Second

// Consolidator periodically flushes the controller's transcript log to the
// history store, so the inbound read loop never waits on storage.
//
// All methods are safe for concurrent use.
type Consolidator struct {
	store     memory.Store
	source    func() []Transcript
	interval  time.Duration
	sessionID string
	log       *slog.Logger

	mu sync.Mutex
	// lastIndex tracks how many transcripts have already been written to
	// avoid duplicates.
	lastIndex int
	done      chan struct{}
	stopOnce  sync.Once
	started   bool
	exited    chan struct{}
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Store receives the entries.
	Store memory.Store

	// Source returns the full transcript log, oldest first. Entries are only
	// ever appended to it.
	Source func() []Transcript

	// SessionID identifies the conversation.
	SessionID string

	// Interval is how often to flush. Defaults to 2 seconds if zero.
	Interval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultConsolidationInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Consolidator{
		store:     cfg.Store,
		source:    cfg.Source,
		interval:  interval,
		sessionID: cfg.SessionID,
		log:       log,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start begins periodic consolidation in a background goroutine.
// The goroutine runs until [Consolidator.Stop] is called or ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.loop(ctx)
}

// Stop halts the consolidation loop and waits for it to exit. Safe to call
// multiple times.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.exited
		}
	})
}

// ConsolidateNow writes every transcript not yet persisted.
func (c *Consolidator) ConsolidateNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.consolidate(ctx)
}

func (c *Consolidator) loop(ctx context.Context) {
	defer close(c.exited)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if err := c.consolidate(ctx); err != nil {
				c.log.Warn("periodic consolidation failed",
					"session_id", c.sessionID,
					"err", err,
				)
			}
			c.mu.Unlock()
		}
	}
}

// consolidate writes new transcripts to the store. Must be called with c.mu
// held. A failed entry stops the pass so that order is kept; it is retried on
// the next one.
func (c *Consolidator) consolidate(ctx context.Context) error {
	log := c.source()
	for c.lastIndex < len(log) {
		t := log[c.lastIndex]
		entry := memory.TranscriptEntry{
			Speaker:   memory.SpeakerAssistant,
			Text:      t.Text,
			Timestamp: t.Timestamp,
		}
		if err := c.store.Append(ctx, c.sessionID, entry); err != nil {
			return fmt.Errorf("consolidate entry %d: %w", c.lastIndex, err)
		}
		c.lastIndex++
	}
	return nil
}
