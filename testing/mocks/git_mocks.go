package mocks

import (
	"context"
	"sync"

	"github.com/sgaunet/auto-merge/pkg/git"
)

// Workspace is a mock implementation of git.Workspace with call tracking.
type Workspace struct {
	mu    sync.Mutex
	calls []MethodCall

	// Configurable responses
	FuseResponse *git.FuseResult
	FuseError    error
	PushError    error
	TipResponse  string
	TipError     error

	// OnPush runs after a successful Push.
	OnPush func(branch string)
}

// NewWorkspace creates a new mock workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		calls: make([]MethodCall, 0),
	}
}

// Fuse implements git.Workspace.
func (m *Workspace) Fuse(_ context.Context, req git.FuseRequest) (*git.FuseResult, error) {
	m.trackCall("Fuse", map[string]any{
		"sourceBranch":  req.SourceBranch,
		"targetBranch":  req.TargetBranch,
		"sourceRepoURL": req.SourceRepoURL,
		"strategy":      req.Strategy,
	})
	if m.FuseError != nil {
		return nil, m.FuseError
	}
	result := *m.FuseResponse
	return &result, nil
}

// Push implements git.Workspace.
func (m *Workspace) Push(_ context.Context, branch, sourceRepoURL string) error {
	m.trackCall("Push", map[string]any{
		"branch":        branch,
		"sourceRepoURL": sourceRepoURL,
	})
	if m.PushError != nil {
		return m.PushError
	}
	if m.OnPush != nil {
		m.OnPush(branch)
	}
	return nil
}

// Tip implements git.Workspace.
func (m *Workspace) Tip(ref string) (string, error) {
	m.trackCall("Tip", map[string]any{"ref": ref})
	return m.TipResponse, m.TipError
}

// GetCalls returns all recorded method calls.
func (m *Workspace) GetCalls() []MethodCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MethodCall{}, m.calls...)
}

// GetCallCount returns the number of times a method was called.
func (m *Workspace) GetCallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// GetLastCall returns the last call to a method, or nil.
func (m *Workspace) GetLastCall(method string) *MethodCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Method == method {
			call := m.calls[i]
			return &call
		}
	}
	return nil
}

func (m *Workspace) trackCall(method string, args map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MethodCall{
		Method: method,
		Args:   args,
	})
}

// WorkspaceProvider hands out a single mock Workspace.
type WorkspaceProvider struct {
	mu       sync.Mutex
	requests []MethodCall

	WorkspaceMock *Workspace
	Error         error
}

// NewWorkspaceProvider creates a provider returning ws.
func NewWorkspaceProvider(ws *Workspace) *WorkspaceProvider {
	return &WorkspaceProvider{WorkspaceMock: ws}
}

// Workspace implements git.Provider.
func (p *WorkspaceProvider) Workspace(_ context.Context, project, repoURL string) (git.Workspace, error) {
	p.mu.Lock()
	p.requests = append(p.requests, MethodCall{
		Method: "Workspace",
		Args:   map[string]any{"project": project, "repoURL": repoURL},
	})
	p.mu.Unlock()

	if p.Error != nil {
		return nil, p.Error
	}
	return p.WorkspaceMock, nil
}

// GetCalls returns all recorded Workspace requests.
func (p *WorkspaceProvider) GetCalls() []MethodCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MethodCall{}, p.requests...)
}

// Ensure the mocks implement the git interfaces.
var (
	_ git.Workspace = (*Workspace)(nil)
	_ git.Provider  = (*WorkspaceProvider)(nil)
)
