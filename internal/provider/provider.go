// Package provider implements the streaming chat backends. Each backend
// conforms to the Adapter interface and is selected by a closed Kind tag;
// failures are classified into a shared taxonomy so the caller can decide
// what is retryable without knowing which backend produced the error.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// Adapter streams a chat completion. Implementations must observe ctx at
// every read iteration, not only at call entry, so cancellation takes effect
// within one read cycle.
type Adapter interface {
	Kind() Kind
	Stream(ctx context.Context, req *Request, onChunk func(string)) error
}

// Kind identifies a backend.
type Kind string

const (
	KindGemini Kind = "gemini"
	KindOpenAI Kind = "openai"
)

// Request carries one chat completion request in the shared message model.
type Request struct {
	History     []model.Message // prior turns, oldest first
	NewMessage  model.Message   // the user message being answered
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Settings configures adapter construction.
type Settings struct {
	GeminiAPIKey  string
	GeminiBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// New constructs the adapter for the given kind. The set of kinds is closed;
// an unknown kind is a configuration error.
func New(kind Kind, s Settings) (Adapter, error) {
	switch kind {
	case KindGemini:
		return NewGeminiAdapter(s.GeminiAPIKey, s.GeminiBaseURL)
	case KindOpenAI:
		return NewOpenAIAdapter(s.OpenAIAPIKey, s.OpenAIBaseURL)
	default:
		return nil, &ClassifiedError{
			Category: CategoryConfig,
			Message:  fmt.Sprintf("unknown provider %q", kind),
		}
	}
}

// Category classifies a provider failure.
type Category string

const (
	CategoryConfig                Category = "config"
	CategoryAuth                  Category = "auth"
	CategoryRateLimit             Category = "rate_limit"
	CategoryNotFound              Category = "not_found"
	CategoryTransport             Category = "transport"
	CategoryUnsupportedAttachment Category = "unsupported_attachment"
	CategoryCancelled             Category = "cancelled"
)

// ClassifiedError wraps a provider failure with its category.
type ClassifiedError struct {
	Category   Category
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Original   error
}

func (e *ClassifiedError) Error() string { return e.Message }

func (e *ClassifiedError) Unwrap() error { return e.Original }

// Retryable reports whether the failure may succeed on a fresh attempt.
func (e *ClassifiedError) Retryable() bool {
	return e.Category == CategoryRateLimit || e.Category == CategoryTransport
}

// IsCancelled reports whether err is (or wraps) a cancellation.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Category == CategoryCancelled
}

// Classify maps a raw failure plus optional HTTP context into the taxonomy.
// Already-classified errors pass through unchanged.
func Classify(err error, statusCode int, header http.Header, body string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Category: CategoryCancelled, Message: "cancelled", Original: err}
	}

	msg := err.Error()
	if body != "" {
		msg = msg + " " + body
	}
	lower := strings.ToLower(msg)

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &ClassifiedError{
			Category:   CategoryAuth,
			Message:    fmt.Sprintf("authentication failed (%d): %s", statusCode, err.Error()),
			StatusCode: statusCode,
			Original:   err,
		}
	case statusCode == http.StatusTooManyRequests ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too_many_requests") ||
		strings.Contains(lower, "quota"):
		return &ClassifiedError{
			Category:   CategoryRateLimit,
			Message:    "rate limited by provider",
			StatusCode: statusCode,
			RetryAfter: retryAfter(header),
			Original:   err,
		}
	case statusCode == http.StatusNotFound:
		return &ClassifiedError{
			Category:   CategoryNotFound,
			Message:    fmt.Sprintf("model or endpoint not found: %s", err.Error()),
			StatusCode: statusCode,
			Original:   err,
		}
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "api key"):
		return &ClassifiedError{
			Category:   CategoryConfig,
			Message:    fmt.Sprintf("invalid API key: %s", err.Error()),
			StatusCode: statusCode,
			Original:   err,
		}
	case statusCode >= 500,
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "unexpected eof"):
		return &ClassifiedError{
			Category:   CategoryTransport,
			Message:    fmt.Sprintf("transient provider failure: %s", err.Error()),
			StatusCode: statusCode,
			Original:   err,
		}
	}

	// No recognizable signal: keep it in the retryable transport class
	// rather than promoting an unknown failure to a permanent one.
	return &ClassifiedError{
		Category:   CategoryTransport,
		Message:    err.Error(),
		StatusCode: statusCode,
		Original:   err,
	}
}

// retryAfter parses Retry-After / Retry-After-Ms headers. Captured for
// logging only; the retry schedule itself is fixed by the stream controller.
func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if ms := header.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil {
			return time.Duration(v) * time.Millisecond
		}
	}
	if s := header.Get("Retry-After"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(v*1000) * time.Millisecond
		}
		if t, err := http.ParseTime(s); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return 0
}

// UserText renders a terminal failure as the assistant's reply so the
// transcript stays self-explanatory.
func UserText(err error) string {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		return fmt.Sprintf("Sorry, something went wrong: %s", err.Error())
	}
	switch ce.Category {
	case CategoryConfig:
		return fmt.Sprintf("Configuration problem: %s. Check your provider settings and API key.", ce.Message)
	case CategoryAuth:
		return fmt.Sprintf("Authentication failed: %s. Check that your API key is valid.", ce.Message)
	case CategoryNotFound:
		return fmt.Sprintf("The model or endpoint was not found: %s. Check the model name and base URL.", ce.Message)
	case CategoryUnsupportedAttachment:
		return fmt.Sprintf("Attachment not supported: %s", ce.Message)
	case CategoryRateLimit:
		return "The provider is rate limiting requests. Please wait a moment and try again."
	default:
		return fmt.Sprintf("The request failed: %s", ce.Message)
	}
}
