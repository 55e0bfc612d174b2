package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses are looked up by the last user message; a Responder overrides
// the lookup. Delay and failure injection simulate unhealthy providers.
type MockModel struct {
	info      Info
	mu        sync.Mutex
	responses map[string]string
	responder func(Request) (string, error)
	err       error
	delay     time.Duration
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider, SupportsJSON: true},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	m.responses[prompt] = response
	m.mu.Unlock()
}

// SetResponder installs a function computing the completion for each request.
func (m *MockModel) SetResponder(fn func(Request) (string, error)) {
	m.mu.Lock()
	m.responder = fn
	m.mu.Unlock()
}

// SetError makes every call fail with err (nil restores normal behavior).
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SetDelay makes every call wait d before answering, honoring ctx.
func (m *MockModel) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Calls returns the number of Generate calls.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of all received requests.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model; emits optional streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	delay, injected, responder := m.delay, m.err, m.responder
	canned, hasCanned := m.responses[req.LastUserMessage()]
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-timer.C:
			}
		}

		if injected != nil {
			errCh <- injected
			return
		}

		var full string
		switch {
		case responder != nil:
			text, err := responder(req)
			if err != nil {
				errCh <- err
				return
			}
			full = text
		case hasCanned:
			full = canned
		default:
			full = fmt.Sprintf("Mock response to: %s", req.LastUserMessage())
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		prompt := len(strings.Fields(req.Instructions))
		for _, msg := range req.Messages {
			prompt += len(strings.Fields(msg.Content))
		}
		completion := len(strings.Fields(full))

		respCh <- Response{
			Text:         full,
			FinishReason: "stop",
			Usage:        &TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// MockEmbedder produces deterministic bag-of-letters embeddings.
type MockEmbedder struct {
	Dim int
}

// Embed implements Embedder.
func (e MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 26
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dim)
		for _, r := range strings.ToLower(t) {
			if r >= 'a' && r <= 'z' {
				v[int(r-'a')%dim]++
			}
		}
		out[i] = v
	}
	return out, nil
}
