package claude

import (
	"context"
	"sync"
)

// MockExecutor implements [Executor] for tests without spawning processes.
//
// By default every call replays Events to the handler and returns a [Result]
// folded from them with ExitCode. Set OnExecute to script per-call behavior;
// its return value replaces the default result.
type MockExecutor struct {
	Events   []Event
	ExitCode int
	Err      error

	OnExecute func(ctx context.Context, req Request) (Result, error)

	mu               sync.Mutex
	RecordedPrompts  []string
	RecordedRequests []Request
}

// Execute records the request and returns the scripted outcome.
func (m *MockExecutor) Execute(ctx context.Context, req Request, handler EventHandler) (Result, error) {
	m.mu.Lock()
	m.RecordedPrompts = append(m.RecordedPrompts, req.Prompt)
	m.RecordedRequests = append(m.RecordedRequests, req)
	m.mu.Unlock()

	collector := &resultCollector{}
	for _, e := range m.Events {
		collector.add(e)
		if handler != nil {
			handler(e)
		}
	}

	if m.OnExecute != nil {
		return m.OnExecute(ctx, req)
	}
	if m.Err != nil {
		return Result{ExitCode: 1}, m.Err
	}

	result := collector.result()
	result.ExitCode = m.ExitCode
	return result, nil
}

// Calls returns how many times Execute ran.
func (m *MockExecutor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RecordedRequests)
}
