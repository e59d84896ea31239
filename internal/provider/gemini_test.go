package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
			flusher.Flush()
		}
	}
}

func textEvent(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		textEvent("Hello"),
		textEvent(" world"),
	}))
	defer srv.Close()

	p, err := NewGeminiAdapter("key", srv.URL)
	if err != nil {
		t.Fatalf("NewGeminiAdapter: %v", err)
	}

	var got string
	err = p.Stream(context.Background(), &Request{
		Model:      "gemini-2.5-flash",
		NewMessage: model.Message{Sender: model.SenderUser, Text: "hi"},
	}, func(chunk string) { got += chunk })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "Hello world" {
		t.Errorf("accumulated: want %q, got %q", "Hello world", got)
	}
}

func TestGeminiStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p, _ := NewGeminiAdapter("key", srv.URL)
	err := p.Stream(context.Background(), &Request{
		Model:      "gemini-2.5-flash",
		NewMessage: model.Message{Sender: model.SenderUser, Text: "hi"},
	}, func(string) {})

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("want classified error, got %v", err)
	}
	if ce.Category != CategoryRateLimit {
		t.Errorf("Category: want rate_limit, got %s", ce.Category)
	}
}

func TestGeminiStreamWrongEndpoint(t *testing.T) {
	// A 200 with an HTML body is what a mispointed base URL typically yields.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>not an API</html>")
	}))
	defer srv.Close()

	p, _ := NewGeminiAdapter("key", srv.URL)
	err := p.Stream(context.Background(), &Request{
		Model:      "gemini-2.5-flash",
		NewMessage: model.Message{Sender: model.SenderUser, Text: "hi"},
	}, func(string) {})

	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryConfig {
		t.Fatalf("want config error for wrong endpoint, got %v", err)
	}
}

func TestGeminiStreamCancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", textEvent("first"))
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p, _ := NewGeminiAdapter("key", srv.URL)

	err := p.Stream(ctx, &Request{
		Model:      "gemini-2.5-flash",
		NewMessage: model.Message{Sender: model.SenderUser, Text: "hi"},
	}, func(chunk string) {
		// Cancel while the server still holds the connection open; the
		// adapter must notice within one read cycle.
		cancel()
	})

	if !IsCancelled(err) {
		t.Fatalf("want cancellation, got %v", err)
	}
}

func TestGeminiBuildPartsAttachments(t *testing.T) {
	p, _ := NewGeminiAdapter("key", "")

	png := model.Attachment{Name: "pic.png", MIME: "image/png", Data: base64.StdEncoding.EncodeToString([]byte{1, 2})}
	txt := model.Attachment{Name: "notes.txt", MIME: "text/plain", Data: base64.StdEncoding.EncodeToString([]byte("some notes"))}
	pdf := model.Attachment{Name: "doc.pdf", MIME: "application/pdf", Data: base64.StdEncoding.EncodeToString([]byte("%PDF"))}

	parts, err := p.buildParts(model.Message{Text: "look", Attachments: []model.Attachment{png, txt, pdf}})
	if err != nil {
		t.Fatalf("buildParts: %v", err)
	}
	// text part first, then two inline_data parts (png + pdf)
	if len(parts) != 3 {
		t.Fatalf("want 3 parts, got %d: %v", len(parts), parts)
	}
	text, ok := parts[0]["text"].(string)
	if !ok || !strings.Contains(text, "some notes") {
		t.Errorf("text attachment should be inlined, got %v", parts[0])
	}
	if !strings.Contains(text, "notes.txt") {
		t.Errorf("inlined attachment should be labelled, got %q", text)
	}
}

func TestGeminiRejectsUnknownBinary(t *testing.T) {
	p, _ := NewGeminiAdapter("key", "")
	_, err := p.buildParts(model.Message{Attachments: []model.Attachment{
		{Name: "a.bin", MIME: "application/octet-stream", Data: "AAAA"},
	}})
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryUnsupportedAttachment {
		t.Fatalf("want unsupported attachment, got %v", err)
	}
}

func TestInlineTextTruncation(t *testing.T) {
	big := strings.Repeat("x", AttachmentTextBudget+100)
	att := model.Attachment{Name: "big.txt", MIME: "text/plain", Data: base64.StdEncoding.EncodeToString([]byte(big))}
	got, err := inlineText(att)
	if err != nil {
		t.Fatalf("inlineText: %v", err)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Error("truncated content must carry the marker")
	}
	if len(got) != AttachmentTextBudget+len(truncationMarker) {
		t.Errorf("unexpected truncated length %d", len(got))
	}
}
