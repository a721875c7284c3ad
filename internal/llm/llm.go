package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/devloop/internal/models"
)

// DefaultMaxTokens bounds a single response.
const DefaultMaxTokens = 8000

// Generator produces the raw text of an assistant response.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext, history []*models.Message) (string, error)
}

// Client wraps the Anthropic API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, maxTokens int64) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// Generate sends the conversation history followed by the prompt built from
// pc and returns the text of the reply.
func (c *Client) Generate(ctx context.Context, pc PromptContext, history []*models.Message) (string, error) {
	systemPrompt, userPrompt := BuildPrompts(pc)

	var messages []anthropic.MessageParam
	for _, t := range conversation(history, userPrompt) {
		block := anthropic.NewTextBlock(t.content)
		if t.role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

type turn struct {
	role    models.Role
	content string
}

// conversation turns history plus the new request into strictly alternating
// turns that start and end with the user. Adjacent turns from the same role
// are merged and leading assistant turns dropped.
func conversation(history []*models.Message, request string) []turn {
	var turns []turn
	add := func(role models.Role, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if len(turns) == 0 && role != models.RoleUser {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].content += "\n\n" + content
			return
		}
		turns = append(turns, turn{role: role, content: content})
	}
	for _, m := range history {
		role := m.Role
		if role != models.RoleAssistant {
			role = models.RoleUser
		}
		add(role, m.Content)
	}
	add(models.RoleUser, request)
	return turns
}
