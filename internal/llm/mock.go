package llm

import (
	"context"
	"sync"
)

// MockClient replays scripted responses in order. Used by the agent loop
// tests; safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	responses []*ChatResponse
	errs      []error
	calls     int
	Requests  []*ChatRequest
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

// Queue appends a successful scripted reply.
func (m *MockClient) Queue(content, stopReason string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &ChatResponse{Content: content, StopReason: stopReason})
	m.errs = append(m.errs, nil)
	return m
}

// QueueError appends a scripted failure.
func (m *MockClient) QueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// Calls reports how many Chat calls have been made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	idx := m.calls
	m.calls++
	if idx >= len(m.responses) {
		// Running off the script ends the conversation politely.
		return &ChatResponse{Content: "Done.", StopReason: StopEndTurn}, nil
	}
	if m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	return m.responses[idx], nil
}
