// Package openai is the model backend for the synthesizer.
//
// A go-openai client is built per call from the credential handed in by the
// run, so no API key outlives the request that fetched it. All traffic leaves
// through the dial function supplied at construction, normally the
// Orchestrator Zone's policy-checked dialer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/sakif/vulnproof/internal/synth"
)

var _ synth.Completer = (*Completer)(nil)

// DialFunc matches net.Dialer.DialContext and fabric.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Completer implements synth.Completer on the OpenAI chat completions API.
type Completer struct {
	baseURL string
	http    *http.Client
}

// New returns a completer. An empty baseURL means the public OpenAI API.
func New(baseURL string, dial DialFunc) *Completer {
	transport := &http.Transport{
		// Proxying is the dialer's job; environment proxies would bypass it.
		Proxy:                 nil,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Completer{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
	}
}

// Complete sends one chat completion and returns the first choice's text.
func (c *Completer) Complete(ctx context.Context, apiKey string, p synth.Prompt) (string, error) {
	cfg := goopenai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	cfg.HTTPClient = c.http
	client := goopenai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: p.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: p.System},
			{Role: goopenai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai: status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
