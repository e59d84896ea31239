// Package stream owns the lifecycle of one in-flight model response:
// cancellation, the bounded retry schedule, and chunk accumulation.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
	"github.com/CJackHwang/HeyMean-sub000/internal/provider"
)

// Retry schedule: recoverable failures are retried up to MaxRetries times
// with BaseDelay×2^attempt between attempts.
const (
	MaxRetries = 2
	BaseDelay  = 500 * time.Millisecond
)

// Config selects the backend and generation parameters for one stream.
type Config struct {
	Adapter     provider.Adapter
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Controller runs at most one logical stream at a time. Starting a new
// stream cancels the one already owned by this controller, before the new
// stream's first network read.
type Controller struct {
	mu     sync.Mutex
	active *streamHandle
	logger zerolog.Logger

	// sleep is swapped out in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// streamHandle identifies one logical stream so a finished stream cannot
// cancel a successor that replaced it.
type streamHandle struct {
	cancel context.CancelFunc
}

// NewController creates a stream controller.
func NewController(logger zerolog.Logger) *Controller {
	return &Controller{
		logger: logger.With().Str("component", "stream").Logger(),
		sleep:  sleepCtx,
	}
}

// Start streams a response for newMessage against history and returns the
// full accumulated text. After every chunk, onUpdate receives the running
// accumulation so the caller can re-parse it for live display. Retries reset
// the accumulation, so onUpdate never carries text from a failed attempt.
//
// Exactly one of three outcomes occurs: success with the accumulated text, a
// silent cancellation (err satisfies provider.IsCancelled, no partial text
// should be persisted), or a terminal classified error.
func (c *Controller) Start(ctx context.Context, history []model.Message, newMessage model.Message, aiMessageID string, cfg Config, onUpdate func(accumulated string)) (string, error) {
	ctx, h := c.begin(ctx)
	defer c.release(h)

	req := &provider.Request{
		History:     history,
		NewMessage:  newMessage,
		System:      cfg.System,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}

	log := c.logger.With().Str("message_id", aiMessageID).Str("model", cfg.Model).Logger()

	var accumulated string
	for attempt := 0; ; attempt++ {
		// Each attempt is a fresh adapter invocation over the same
		// history, so a retry never resumes a half-read stream.
		accumulated = ""
		err := cfg.Adapter.Stream(ctx, req, func(chunk string) {
			accumulated += chunk
			onUpdate(accumulated)
		})
		if err == nil {
			log.Debug().Int("attempts", attempt+1).Int("chars", len(accumulated)).Msg("stream complete")
			return accumulated, nil
		}

		ce := provider.Classify(err, 0, nil, "")
		if ce.Category == provider.CategoryCancelled {
			return "", ce
		}
		if !ce.Retryable() || attempt >= MaxRetries {
			log.Warn().Err(ce).Str("category", string(ce.Category)).Msg("stream failed")
			return "", ce
		}

		delay := BaseDelay << attempt
		log.Warn().Err(ce).Int("attempt", attempt).Dur("delay", delay).Msg("recoverable stream failure, retrying")
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return "", provider.Classify(sleepErr, 0, nil, "")
		}
	}
}

// Cancel aborts the stream currently owned by the controller, if any.
// Cancellation is terminal and silent; it is safe to call at any time.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.cancel()
		c.active = nil
	}
}

// begin cancels any prior stream and installs the new one's handle, so the
// old stream is gone before this one's first network read.
func (c *Controller) begin(ctx context.Context) (context.Context, *streamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{cancel: cancel}
	c.active = h
	return ctx, h
}

// release tears down h's context; it only clears the active slot if h still
// owns it, so a replaced stream cannot cancel its successor.
func (c *Controller) release(h *streamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.cancel()
	if c.active == h {
		c.active = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
