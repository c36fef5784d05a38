// Reply generation for actioned messages, backed by an OpenAI-compatible
// chat completion API.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

const (
	seriousPersona = "You are a respectful but firm student community assistant. " +
		"When a message is highly offensive or threatening, send a brief, serious, policy-aligned warning in 1-2 sentences. " +
		"Be clear about community guidelines and ask the sender to stop. " +
		"Suggest a short cool-down. Do NOT provide medical advice."

	crisisPersona = "You are a campus safety assistant. In 1-2 compassionate sentences, acknowledge the distress and point to immediate resources. " +
		"Do not diagnose or provide therapy. Encourage reaching out now."
)

type OpenAIResponder struct {
	client    *openai.Client
	Model     string
	Resources []engine.Resource
	Logger    *slog.Logger
}

var _ engine.Responder = (*OpenAIResponder)(nil)

// NewOpenAIResponder builds a responder. baseURL may be empty for the public
// OpenAI API, or point at any compatible server.
func NewOpenAIResponder(apiKey, baseURL, model string, logger *slog.Logger) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIResponder{
		client:    openai.NewClientWithConfig(cfg),
		Model:     model,
		Resources: engine.DefaultResources,
		Logger:    logger.With("component", "responder"),
	}, nil
}

func (r *OpenAIResponder) GenerateReply(ctx context.Context, kind engine.ReplyKind, rc engine.ReplyContext) (string, error) {
	var req openai.ChatCompletionRequest
	switch kind {
	case engine.ReplyCrisis:
		req = openai.ChatCompletionRequest{
			Model: r.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: crisisPersona},
				{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
					"Context: %s\nInclude these resources as bullet points:\n\n%s",
					rc.Text, engine.ResourceBlock(r.Resources))},
			},
			Temperature:         0.2,
			MaxCompletionTokens: 120,
		}
	case engine.ReplySerious:
		req = openai.ChatCompletionRequest{
			Model: r.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: seriousPersona},
				{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
					"Context: %s\nScores: toxicity_max=%.2f, sarcasm=%.2f, seriousness=%.2f\nWrite a brief serious warning (1-2 sentences).",
					rc.Text, rc.ToxMax, rc.Sarcasm, rc.Seriousness)},
			},
			Temperature:         0.3,
			MaxCompletionTokens: 80,
		}
	default:
		return "", fmt.Errorf("unknown reply kind: %q", kind)
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	r.Logger.Debug("received reply", "kind", kind, "finish_reason", resp.Choices[0].FinishReason)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// resource file layout: {"self_harm": [{"name": ..., "url": ...}]}
type resourceFile map[string][]engine.Resource

// LoadResources reads crisis support contacts from a JSON file.
func LoadResources(path string) ([]engine.Resource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf resourceFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("parsing resources file: %w", err)
	}
	res := rf["self_harm"]
	if len(res) == 0 {
		return nil, fmt.Errorf("resources file has no self_harm entries")
	}
	return res, nil
}
