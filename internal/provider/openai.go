package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// OpenAIAdapter streams chat completions from OpenAI or any
// OpenAI-compatible endpoint.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible backend. A
// base URL that belongs to Gemini is rejected as a config error here, rather
// than surfacing later as an opaque transport failure.
func NewOpenAIAdapter(apiKey, baseURL string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, &ClassifiedError{
			Category: CategoryConfig,
			Message:  "openai API key is not set",
		}
	}
	if strings.Contains(baseURL, "generativelanguage.googleapis.com") {
		return nil, &ClassifiedError{
			Category: CategoryConfig,
			Message:  "base URL points at the Gemini API; select the gemini provider instead",
		}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}, nil
}

func (p *OpenAIAdapter) Kind() Kind { return KindOpenAI }

// Stream converts the request and relays delta content to onChunk. ctx is
// observed once per Recv so cancellation lands within one read cycle.
func (p *OpenAIAdapter) Stream(ctx context.Context, req *Request, onChunk func(string)) error {
	messages, err := p.convertMessages(req)
	if err != nil {
		// Attachment rejection happens before any network call.
		return err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != 0 {
		chatReq.Temperature = float32(req.Temperature)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return p.classify(err)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return Classify(ctx.Err(), 0, nil, "")
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return p.classify(err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			onChunk(delta)
		}
		if response.Choices[0].FinishReason == openai.FinishReasonStop {
			return nil
		}
	}
}

func (p *OpenAIAdapter) convertMessages(req *Request) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)

	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.History {
		converted, err := p.convertMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted)
	}

	converted, err := p.convertMessage(req.NewMessage)
	if err != nil {
		return nil, err
	}
	messages = append(messages, converted)
	return messages, nil
}

// convertMessage maps one message to the wire shape: images become data-URL
// image parts, text-like attachments are inlined, and file payloads the API
// cannot accept (e.g. PDF) are rejected up front.
func (p *OpenAIAdapter) convertMessage(msg model.Message) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: openaiRole(msg.Sender)}
	text := msg.Text
	var imageParts []openai.ChatMessagePart

	for _, att := range msg.Attachments {
		switch {
		case att.IsImage():
			imageParts = append(imageParts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(att),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case att.IsTextLike():
			inlined, err := inlineText(att)
			if err != nil {
				return openai.ChatCompletionMessage{}, err
			}
			text += attachmentHeader(att) + inlined
		default:
			return openai.ChatCompletionMessage{}, unsupported(KindOpenAI, att)
		}
	}

	if len(imageParts) > 0 {
		parts := []openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		}}
		out.MultiContent = append(parts, imageParts...)
	} else {
		out.Content = text
	}
	return out, nil
}

func openaiRole(s model.Sender) string {
	if s == model.SenderAI {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

// classify maps go-openai errors into the shared taxonomy.
func (p *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Classify(err, apiErr.HTTPStatusCode, nil, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Classify(err, reqErr.HTTPStatusCode, nil, "")
	}
	return Classify(err, 0, nil, "")
}
