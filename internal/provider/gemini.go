package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter streams chat completions from the Gemini REST API using SSE.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGeminiAdapter creates a Gemini adapter. A missing key is a config error
// raised here, before any request is attempted.
func NewGeminiAdapter(apiKey, baseURL string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, &ClassifiedError{
			Category: CategoryConfig,
			Message:  "gemini API key is not set",
		}
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}, nil
}

func (p *GeminiAdapter) Kind() Kind { return KindGemini }

// Stream opens streamGenerateContent with alt=sse and forwards each text
// fragment to onChunk. ctx is checked on every scanner iteration so a cancel
// lands within one read cycle.
func (p *GeminiAdapter) Stream(ctx context.Context, req *Request, onChunk func(string)) error {
	body, err := p.buildRequest(req)
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Classify(err, 0, nil, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return p.parseAPIError(resp.StatusCode, resp.Header, raw)
	}

	// A 200 that is not an event stream means the base URL points at
	// something that is not this endpoint (commonly the wrong provider).
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return &ClassifiedError{
			Category:   CategoryConfig,
			Message:    fmt.Sprintf("endpoint returned %q instead of an event stream; the base URL likely points at the wrong provider", ct),
			StatusCode: resp.StatusCode,
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Classify(ctx.Err(), 0, nil, "")
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		for _, cand := range event.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					onChunk(part.Text)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Classify(err, 0, nil, "")
	}
	return nil
}

func (p *GeminiAdapter) buildRequest(req *Request) (map[string]interface{}, error) {
	contents := make([]map[string]interface{}, 0, len(req.History)+1)

	for _, msg := range req.History {
		parts, err := p.buildParts(msg)
		if err != nil {
			return nil, err
		}
		contents = append(contents, map[string]interface{}{
			"role":  geminiRole(msg.Sender),
			"parts": parts,
		})
	}

	parts, err := p.buildParts(req.NewMessage)
	if err != nil {
		return nil, err
	}
	contents = append(contents, map[string]interface{}{
		"role":  "user",
		"parts": parts,
	})

	body := map[string]interface{}{"contents": contents}
	if req.System != "" {
		body["system_instruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": req.System}},
		}
	}

	genCfg := map[string]interface{}{}
	if req.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != 0 {
		genCfg["temperature"] = req.Temperature
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}
	return body, nil
}

// buildParts converts one message to Gemini parts. Images and PDFs go as
// inline data; text-like attachments are inlined as labelled text.
func (p *GeminiAdapter) buildParts(msg model.Message) ([]map[string]interface{}, error) {
	var parts []map[string]interface{}
	text := msg.Text

	for _, att := range msg.Attachments {
		switch {
		case att.IsImage() || att.MIME == "application/pdf":
			parts = append(parts, map[string]interface{}{
				"inline_data": map[string]interface{}{
					"mime_type": att.MIME,
					"data":      att.Data,
				},
			})
		case att.IsTextLike():
			inlined, err := inlineText(att)
			if err != nil {
				return nil, err
			}
			text += attachmentHeader(att) + inlined
		default:
			return nil, unsupported(KindGemini, att)
		}
	}

	if text != "" || len(parts) == 0 {
		parts = append([]map[string]interface{}{{"text": text}}, parts...)
	}
	return parts, nil
}

func geminiRole(s model.Sender) string {
	if s == model.SenderAI {
		return "model"
	}
	return "user"
}

// parseAPIError decodes Gemini's structured error body before classifying.
// {"error":{"code":429,"message":"...","status":"RESOURCE_EXHAUSTED"}}
func (p *GeminiAdapter) parseAPIError(statusCode int, header http.Header, body []byte) error {
	var apiErr struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return Classify(fmt.Errorf("%s", msg), statusCode, header, "")
}
