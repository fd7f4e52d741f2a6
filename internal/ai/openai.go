package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/devcollab/collabhub/internal/config"
)

// DefaultSystemPrompt asks the model for the {text, fileTree} envelope the
// workspace renders.
const DefaultSystemPrompt = `You are an expert software engineer pairing with a team in a shared project.
Always answer with a single JSON object of the form {"text": string, "fileTree": object|null}.
"text" is your reply in Markdown. When you create or change files, "fileTree" maps each
file or directory name to {"file": {"contents": string}} or {"directory": {...}}; otherwise set it to null.`

// OpenAIGenerator calls an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	temperature  float32
	logger       *slog.Logger
}

// NewOpenAIGenerator creates a generator from config. BaseURL may point at any
// OpenAI-compatible server.
func NewOpenAIGenerator(cfg config.AIConfig, logger *slog.Logger) *OpenAIGenerator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	logger.Info("initializing openai generator", "model", cfg.Model, "base_url", oc.BaseURL)
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		systemPrompt: prompt,
		temperature:  cfg.Temperature,
		logger:       logger,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.logger.Debug("generating text via openai", "model", g.model)
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: g.temperature,
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	g.logger.Debug("received response from openai", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// NewGenerator returns the Generator selected by cfg.Provider.
func NewGenerator(cfg config.AIConfig, logger *slog.Logger) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIGenerator(cfg, logger.With("component", "openai")), nil
	case "none", "":
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %q", cfg.Provider)
	}
}
