package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Request is a single completion call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Backend produces one completion for one prompt. Implementations must
// honor ctx cancellation. Errors are retried by the Client unless wrapped
// with Permanent.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// permanentError marks a backend failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the Client gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// OllamaBackend talks to a local Ollama server through langchaingo. One
// client is kept per model name.
type OllamaBackend struct {
	endpoint string

	mu      sync.Mutex
	clients map[string]*ollama.LLM
}

var _ Backend = (*OllamaBackend)(nil)

// NewOllamaBackend returns a backend for endpoint, e.g.
// http://127.0.0.1:11434.
func NewOllamaBackend(endpoint string) *OllamaBackend {
	return &OllamaBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		clients:  map[string]*ollama.LLM{},
	}
}

// Generate implements Backend.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (string, error) {
	llm, err := b.client(req.Model)
	if err != nil {
		return "", Permanent(err)
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, llm, req.Prompt, opts...)
	if err != nil {
		// A missing model stays missing until someone pulls it.
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return "", Permanent(fmt.Errorf("ollama %s: %w", req.Model, err))
		}
		return "", fmt.Errorf("ollama %s: %w", req.Model, err)
	}
	return out, nil
}

func (b *OllamaBackend) client(model string) (*ollama.LLM, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[model]; ok {
		return c, nil
	}
	c, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(b.endpoint))
	if err != nil {
		return nil, fmt.Errorf("create ollama client for %s: %w", model, err)
	}
	b.clients[model] = c
	return c, nil
}

// CheckOffline rejects model endpoints that are not on the loopback
// interface.
func CheckOffline(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid model endpoint %q", endpoint)
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("offline mode forbids model endpoint %q", endpoint)
}
