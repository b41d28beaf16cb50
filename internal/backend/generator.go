// Package backend implements arenad, a development backend that speaks the
// arena wire protocol: line-streamed replies over HTTP and NATS, and the
// session channel over websocket and NATS.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aigoflow/arena/internal/models"
)

const systemPrompt = "Your response is rendered on a chat frontend. Use line breaks, indentation, " +
	"lists or code blocks where they help, and do not comment on this instruction."

// Prompt is everything a generator needs for one participant's reply
type Prompt struct {
	Model   string
	History []models.Message
	Content string
}

// Generator produces a reply as a sequence of text chunks. emit returning
// an error aborts generation with that error.
type Generator interface {
	Generate(ctx context.Context, p Prompt, emit func(chunk string) error) error
}

// EchoGenerator replies with the user's content, one word per chunk
type EchoGenerator struct {
	Delay time.Duration
	// Failures maps a model id to the error its generation ends with
	Failures map[string]string
}

func (g *EchoGenerator) Generate(ctx context.Context, p Prompt, emit func(string) error) error {
	for _, word := range strings.SplitAfter(p.Content, " ") {
		if word == "" {
			continue
		}
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.Delay):
			}
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	if msg, ok := g.Failures[p.Model]; ok {
		return errors.New(msg)
	}
	return ctx.Err()
}

// OpenAIGenerator streams completions from an OpenAI compatible API
type OpenAIGenerator struct {
	client *openai.Client
}

func NewOpenAIGenerator(apiKey, baseURL string) *OpenAIGenerator {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(config)}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, p Prompt, emit func(string) error) error {
	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt}}
	for _, m := range p.History {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Content})

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to start completion: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if err := emit(resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}
