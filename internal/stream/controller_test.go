package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
	"github.com/CJackHwang/HeyMean-sub000/internal/provider"
)

// fakeAdapter scripts one behavior per attempt.
type fakeAdapter struct {
	mu       sync.Mutex
	attempts int
	script   []func(ctx context.Context, onChunk func(string)) error
}

func (f *fakeAdapter) Kind() provider.Kind { return provider.KindGemini }

func (f *fakeAdapter) Stream(ctx context.Context, req *provider.Request, onChunk func(string)) error {
	f.mu.Lock()
	idx := f.attempts
	f.attempts++
	f.mu.Unlock()
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	return f.script[idx](ctx, onChunk)
}

func succeed(chunks ...string) func(context.Context, func(string)) error {
	return func(_ context.Context, onChunk func(string)) error {
		for _, c := range chunks {
			onChunk(c)
		}
		return nil
	}
}

func fail(cat provider.Category) func(context.Context, func(string)) error {
	return func(context.Context, func(string)) error {
		return &provider.ClassifiedError{Category: cat, Message: string(cat)}
	}
}

func newTestController(delays *[]time.Duration) *Controller {
	c := NewController(zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
	return c
}

func TestStartSuccess(t *testing.T) {
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		succeed("Hel", "lo"),
	}}
	c := newTestController(nil)

	var updates []string
	text, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
		Config{Adapter: adapter, Model: "m"}, func(acc string) { updates = append(updates, acc) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if text != "Hello" {
		t.Errorf("accumulated: want Hello, got %q", text)
	}
	want := []string{"Hel", "Hello"}
	if len(updates) != 2 || updates[0] != want[0] || updates[1] != want[1] {
		t.Errorf("updates: want %v, got %v", want, updates)
	}
}

func TestStartRetriesThenSucceeds(t *testing.T) {
	// Scenario: rate-limited on attempts 0 and 1, success on attempt 2.
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		fail(provider.CategoryRateLimit),
		fail(provider.CategoryRateLimit),
		succeed("ok"),
	}}
	var delays []time.Duration
	c := newTestController(&delays)

	text, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
		Config{Adapter: adapter, Model: "m"}, func(string) {})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if text != "ok" {
		t.Errorf("text: want ok, got %q", text)
	}
	if adapter.attempts != 3 {
		t.Errorf("attempts: want 3, got %d", adapter.attempts)
	}
	want := []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}
	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("backoff schedule: want %v, got %v", want, delays)
	}
}

func TestStartRetryBudgetExhausted(t *testing.T) {
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		fail(provider.CategoryTransport),
	}}
	var delays []time.Duration
	c := newTestController(&delays)

	_, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
		Config{Adapter: adapter, Model: "m"}, func(string) {})
	if err == nil {
		t.Fatal("want terminal error after budget exhausted")
	}
	if adapter.attempts != MaxRetries+1 {
		t.Errorf("attempts: want %d, got %d", MaxRetries+1, adapter.attempts)
	}
	if len(delays) != MaxRetries {
		t.Errorf("delays: want %d, got %d", MaxRetries, len(delays))
	}
}

func TestStartTerminalErrorNoRetry(t *testing.T) {
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		fail(provider.CategoryAuth),
	}}
	c := newTestController(nil)

	_, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
		Config{Adapter: adapter, Model: "m"}, func(string) {})
	if err == nil {
		t.Fatal("want error")
	}
	if adapter.attempts != 1 {
		t.Errorf("auth errors must not retry, attempts=%d", adapter.attempts)
	}
}

func TestStartRetryDiscardsPartialAccumulation(t *testing.T) {
	// A failure mid-stream must not leak the partial text into the retried
	// attempt's accumulation.
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		func(_ context.Context, onChunk func(string)) error {
			onChunk("partial")
			return &provider.ClassifiedError{Category: provider.CategoryTransport, Message: "drop"}
		},
		succeed("clean"),
	}}
	c := newTestController(nil)

	text, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
		Config{Adapter: adapter, Model: "m"}, func(string) {})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if text != "clean" {
		t.Errorf("want clean, got %q", text)
	}
}

func TestCancelIsSilent(t *testing.T) {
	started := make(chan struct{})
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, _ func(string)) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	c := newTestController(nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), nil, model.Message{Text: "hi"}, "ai1",
			Config{Adapter: adapter, Model: "m"}, func(string) {})
		done <- err
	}()

	<-started
	c.Cancel()
	err := <-done
	if !provider.IsCancelled(err) {
		t.Fatalf("want cancellation, got %v", err)
	}
}

func TestStartCancelsPriorStream(t *testing.T) {
	firstStarted := make(chan struct{})
	firstCancelled := make(chan struct{})
	adapter := &fakeAdapter{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, _ func(string)) error {
			close(firstStarted)
			<-ctx.Done()
			close(firstCancelled)
			return ctx.Err()
		},
		func(ctx context.Context, onChunk func(string)) error {
			// The prior stream must already be cancelled before this
			// stream performs any read.
			select {
			case <-firstCancelled:
			case <-time.After(2 * time.Second):
				return &provider.ClassifiedError{Category: provider.CategoryTransport, Message: "prior stream still alive"}
			}
			onChunk("second")
			return nil
		},
	}}
	c := newTestController(nil)

	go func() {
		c.Start(context.Background(), nil, model.Message{Text: "one"}, "ai1",
			Config{Adapter: adapter, Model: "m"}, func(string) {})
	}()
	<-firstStarted

	text, err := c.Start(context.Background(), nil, model.Message{Text: "two"}, "ai2",
		Config{Adapter: adapter, Model: "m"}, func(string) {})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if text != "second" {
		t.Errorf("want second, got %q", text)
	}
}
