package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"
)

// Supported AI providers.
const (
	ProviderHosted = "hosted"     // host-supplied chat capability
	ProviderRelay  = "openrouter" // HTTP chat-completion relay
	ProviderGemini = "gemini"     // direct generative-model client
)

const (
	defaultGeminiModel = "gemini-1.5-flash"
	defaultRelayModel  = "google/gemini-flash-1.5"

	relayBaseURL = "https://openrouter.ai/api/v1"
	relayReferer = "https://nutricoach.app"
	relayTitle   = "NutriCoach"
)

// Completer is the uniform text-completion capability the gateway dispatches
// through. image may be nil for text-only prompts.
type Completer interface {
	Complete(ctx context.Context, prompt string, image []byte) (string, error)
}

// HostedCompleteFunc is a host-provided chat capability, wired in by whatever
// embeds this process. Image-capable.
type HostedCompleteFunc func(ctx context.Context, prompt string, image []byte) (string, error)

// hostedCompleter invokes the host-provided chat capability.
type hostedCompleter struct {
	complete HostedCompleteFunc
}

func (c *hostedCompleter) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	if c.complete == nil {
		return "", apperrors.ErrAINotConfigured
	}
	return c.complete(ctx, prompt, image)
}

// geminiCompleter talks to the generative-model API directly.
type geminiCompleter struct {
	client *genai.Client
	model  string
}

func newGeminiCompleter(ctx context.Context, apiKey, model string) (*geminiCompleter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &geminiCompleter{
		client: client,
		model:  geminiModelName(model),
	}, nil
}

// geminiModelName strips any provider prefix ("google/gemini-1.5-flash")
// down to the bare model identifier the client expects.
func geminiModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	if model == "" {
		return defaultGeminiModel
	}
	return model
}

func (c *geminiCompleter) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	model := c.client.GenerativeModel(c.model)

	parts := []genai.Part{genai.Text(prompt)}
	if image != nil {
		parts = append([]genai.Part{genai.ImageData("jpeg", image)}, parts...)
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from model")
	}

	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("unexpected response part type %T", resp.Candidates[0].Content.Parts[0])
	}

	return string(text), nil
}

// relayCompleter issues chat-completion requests to the relay endpoint. The
// relay identifies callers through a bearer credential plus two static
// headers on every request.
type relayCompleter struct {
	client *openai.Client
	model  string
}

// relayTransport injects the relay's static identifying headers.
type relayTransport struct {
	base http.RoundTripper
}

func (t *relayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", relayReferer)
	req.Header.Set("X-Title", relayTitle)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func newRelayCompleter(apiKey, model string) *relayCompleter {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = relayBaseURL
	cfg.HTTPClient = &http.Client{Transport: &relayTransport{}}

	if model == "" {
		model = defaultRelayModel
	}

	return &relayCompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *relayCompleter) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	var message openai.ChatCompletionMessage
	if image != nil {
		message = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
					},
				},
			},
		}
	} else {
		message = openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: []openai.ChatCompletionMessage{message},
	})
	if err != nil {
		// Non-2xx statuses surface as *openai.APIError carrying the code
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from relay")
	}

	return resp.Choices[0].Message.Content, nil
}
