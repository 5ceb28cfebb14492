// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// TriageFlow uses it for one thing: mapping free text that matched no menu
// option onto the option the contact most likely meant. The feature is
// optional; without an API key the engine runs fully deterministic.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conectcrm/triageflow/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// noMatchReply is the sentinel the model is instructed to return when no
// option is a confident match.
const noMatchReply = "NONE"

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// Client wraps the OpenAI chat completion API for intent matching.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes a new GenAI client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	slog.Debug("GenAI client created", "model", model)
	return &Client{client: openai.NewClient(option.WithAPIKey(cfg.APIKey)), model: model}, nil
}

// generate runs one chat completion and returns the first choice.
func (c *Client) generate(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// MatchOption asks the model which menu option the free text selects.
// The model must answer with one of the listed match values verbatim, or
// NONE; any other reply is treated as no match.
func (c *Client) MatchOption(ctx context.Context, userText string, options []models.OptionDef) (string, bool, error) {
	var sb strings.Builder
	sb.WriteString("You map a customer's chat message onto one option of a support menu.\n")
	sb.WriteString("Reply with exactly one of the following option values, or " + noMatchReply + " if none clearly applies:\n")
	for _, opt := range options {
		if opt.Label != "" {
			fmt.Fprintf(&sb, "- %s (%s)\n", opt.Match, opt.Label)
		} else {
			fmt.Fprintf(&sb, "- %s\n", opt.Match)
		}
	}

	reply, err := c.generate(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(sb.String()),
		openai.UserMessage(userText),
	})
	if err != nil {
		return "", false, fmt.Errorf("intent matching: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if strings.EqualFold(reply, noMatchReply) {
		slog.Debug("GenAI intent matcher found no option", "text_length", len(userText))
		return "", false, nil
	}
	for _, opt := range options {
		if strings.EqualFold(reply, opt.Match) {
			slog.Debug("GenAI intent matcher resolved option", "match", opt.Match)
			return opt.Match, true, nil
		}
	}
	slog.Warn("GenAI intent matcher returned unknown option, ignoring", "reply", reply)
	return "", false, nil
}
