// Package ai delegates prompts to an external text-generation service behind
// a timeout and failure boundary.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devcollab/collabhub/pkg/protocol"
)

// ErrDelegate is the single error callers see for any failed generation:
// timeout, upstream error, or an empty or unusable response.
var ErrDelegate = errors.New("ai delegate failed")

// FallbackText is shown to the room when generation fails.
const FallbackText = "AI is unavailable right now. Please try again later."

// Fallback returns the fixed envelope broadcast when the delegate fails.
func Fallback() protocol.AIEnvelope {
	return protocol.AIEnvelope{Text: FallbackText, FileTree: json.RawMessage("null")}
}

// Generator is the external generate(prompt) -> text call.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Invoker wraps a Generator with a per-call timeout and error normalization.
type Invoker struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvoker creates an invoker. A zero timeout means 30s.
func NewInvoker(gen Generator, timeout time.Duration, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invoker{gen: gen, timeout: timeout, logger: logger.With("component", "ai")}
}

// Generate returns the raw generated text.
func (inv *Invoker) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	start := time.Now()
	text, err := inv.gen.Generate(ctx, prompt)
	if err != nil {
		inv.logger.Warn("generation failed", "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrDelegate, err)
	}
	if strings.TrimSpace(text) == "" {
		inv.logger.Warn("generation returned empty text")
		return "", fmt.Errorf("%w: empty response", ErrDelegate)
	}
	inv.logger.Debug("generation complete", "elapsed", time.Since(start), "bytes", len(text))
	return text, nil
}

// Invoke generates a reply for prompt and normalizes it into an envelope.
func (inv *Invoker) Invoke(ctx context.Context, prompt string) (protocol.AIEnvelope, error) {
	text, err := inv.Generate(ctx, prompt)
	if err != nil {
		return protocol.AIEnvelope{}, err
	}
	env, err := Normalize(text)
	if err != nil {
		return protocol.AIEnvelope{}, fmt.Errorf("%w: %v", ErrDelegate, err)
	}
	return env, nil
}

// Normalize turns generated text into an envelope. A JSON object with a string
// "text" field is taken as-is; its fileTree is kept only when it is a JSON
// object and is null otherwise. Anything else becomes {text: raw, fileTree: null}.
func Normalize(raw string) (protocol.AIEnvelope, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return protocol.AIEnvelope{}, errors.New("empty response")
	}

	var obj struct {
		Text     *string         `json:"text"`
		FileTree json.RawMessage `json:"fileTree"`
	}
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &obj) == nil && obj.Text != nil {
		tree := obj.FileTree
		if !protocol.IsFileTree(tree) {
			tree = json.RawMessage("null")
		}
		return protocol.AIEnvelope{Text: *obj.Text, FileTree: tree}, nil
	}

	return protocol.AIEnvelope{Text: raw, FileTree: json.RawMessage("null")}, nil
}

// Unavailable is the Generator used when no AI provider is configured.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, string) (string, error) {
	return "", errors.New("no ai provider configured")
}
