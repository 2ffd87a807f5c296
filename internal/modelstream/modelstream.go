// Package modelstream adapts provider SDKs to the engine's text streaming
// interface. Both providers deliver raw text deltas; tag parsing happens
// downstream.
package modelstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

const defaultMaxOutputTokens = 8192

// New returns a streamer for the provider type. Supported types are
// "anthropic", "openai" and "openai_compatible" (an OpenAI-style gateway
// behind a custom base URL).
func New(providerType string, baseURL string, apiKey string) (engine.ModelStreamer, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimSpace(baseURL)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}

	switch providerType {
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicStreamer{client: anthropic.NewClient(opts...)}, nil
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIStreamer{client: openai.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

type anthropicStreamer struct {
	client anthropic.Client
}

func (s *anthropicStreamer) StreamText(ctx context.Context, req engine.StreamRequest, onChunk func(string) error) error {
	if strings.TrimSpace(req.ModelID) == "" {
		return errors.New("missing model id")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.ModelID)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := collectSystemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := variant.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		if err := onChunk(delta.Text); err != nil {
			return err
		}
	}
	return stream.Err()
}

func buildAnthropicMessages(messages []engine.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	return out
}

type openAIStreamer struct {
	client openai.Client
}

func (s *openAIStreamer) StreamText(ctx context.Context, req engine.StreamRequest, onChunk func(string) error) error {
	if strings.TrimSpace(req.ModelID) == "" {
		return errors.New("missing model id")
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.ModelID)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	items := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if system := collectSystemPrompt(req.Messages); system != "" {
		params.Instructions = openai.String(system)
	}

	stream := s.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		if strings.TrimSpace(event.Type) != "response.output_text.delta" {
			continue
		}
		delta := event.Delta.OfString
		if delta == "" {
			continue
		}
		if err := onChunk(delta); err != nil {
			return err
		}
	}
	return stream.Err()
}

func buildOpenAIInput(messages []engine.Message) oresponses.ResponseInputParam {
	out := make(oresponses.ResponseInputParam, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "assistant":
			out = append(out, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleAssistant))
		case "user":
			out = append(out, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
		}
	}
	return out
}

func collectSystemPrompt(messages []engine.Message) string {
	parts := make([]string, 0, 1)
	for _, m := range messages {
		if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
			if txt := strings.TrimSpace(m.Content); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
