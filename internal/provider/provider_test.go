package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassifyAuth(t *testing.T) {
	ce := Classify(errors.New("invalid key"), 401, nil, "")
	if ce.Category != CategoryAuth {
		t.Errorf("Category: want auth, got %s", ce.Category)
	}
	if ce.Retryable() {
		t.Error("auth errors must not be retryable")
	}
}

func TestClassifyRateLimit(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	ce := Classify(errors.New("slow down"), 429, header, "")
	if ce.Category != CategoryRateLimit {
		t.Errorf("Category: want rate_limit, got %s", ce.Category)
	}
	if !ce.Retryable() {
		t.Error("rate limit must be retryable")
	}
	if ce.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter: want 3s, got %v", ce.RetryAfter)
	}
}

func TestClassifyRateLimitByMessage(t *testing.T) {
	ce := Classify(errors.New("Rate limit exceeded for requests"), 0, nil, "")
	if ce.Category != CategoryRateLimit {
		t.Errorf("Category: want rate_limit, got %s", ce.Category)
	}
}

func TestClassifyNotFound(t *testing.T) {
	ce := Classify(errors.New("no such model"), 404, nil, "")
	if ce.Category != CategoryNotFound || ce.Retryable() {
		t.Errorf("got %+v", ce)
	}
}

func TestClassifyServerError(t *testing.T) {
	ce := Classify(errors.New("upstream exploded"), 503, nil, "")
	if ce.Category != CategoryTransport || !ce.Retryable() {
		t.Errorf("got %+v", ce)
	}
}

func TestClassifyCancelled(t *testing.T) {
	ce := Classify(context.Canceled, 0, nil, "")
	if ce.Category != CategoryCancelled {
		t.Errorf("Category: want cancelled, got %s", ce.Category)
	}
	if ce.Retryable() {
		t.Error("cancellation must never be retried")
	}
	if !IsCancelled(ce) {
		t.Error("IsCancelled should see through the classification")
	}
}

func TestClassifyPassThrough(t *testing.T) {
	orig := &ClassifiedError{Category: CategoryUnsupportedAttachment, Message: "nope"}
	if got := Classify(orig, 500, nil, ""); got != orig {
		t.Errorf("already-classified error must pass through unchanged, got %+v", got)
	}
}

func TestRetryAfterMsHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After-Ms", "250")
	if got := retryAfter(header); got != 250*time.Millisecond {
		t.Errorf("want 250ms, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Adapter construction
// ---------------------------------------------------------------------------

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Kind("bedrock"), Settings{})
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryConfig {
		t.Fatalf("want config error, got %v", err)
	}
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGeminiAdapter("", "")
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryConfig {
		t.Fatalf("want config error, got %v", err)
	}
}

func TestNewOpenAIRejectsGeminiEndpoint(t *testing.T) {
	_, err := NewOpenAIAdapter("sk-test", "https://generativelanguage.googleapis.com/v1beta")
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryConfig {
		t.Fatalf("wrong-provider endpoint should be a config error, got %v", err)
	}
}

func TestUserTextByCategory(t *testing.T) {
	auth := UserText(&ClassifiedError{Category: CategoryAuth, Message: "bad key"})
	if auth == "" || auth == "bad key" {
		t.Errorf("UserText should produce a sentence, got %q", auth)
	}
	plain := UserText(errors.New("boom"))
	if plain == "" {
		t.Error("UserText must always produce something")
	}
}
