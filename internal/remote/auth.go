package remote

import (
	"context"
	"sync"
)

// AuthProvider supplies request headers and can refresh expired credentials.
// Token acquisition itself lives outside the engine; only this contract is
// consumed.
type AuthProvider interface {
	AuthHeaders(ctx context.Context) (map[string]string, error)
	Refresh(ctx context.Context) error
}

// StaticTokenProvider is an AuthProvider backed by a bearer token that can
// be swapped by Refresh callbacks or externally via SetToken.
type StaticTokenProvider struct {
	mu        sync.RWMutex
	token     string
	refreshFn func(ctx context.Context) (string, error)
}

// NewStaticTokenProvider creates a provider for a fixed token. refreshFn may
// be nil, in which case Refresh is a no-op and auth failures are terminal.
func NewStaticTokenProvider(token string, refreshFn func(ctx context.Context) (string, error)) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, refreshFn: refreshFn}
}

// AuthHeaders implements AuthProvider.
func (p *StaticTokenProvider) AuthHeaders(_ context.Context) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return nil, nil
	}
	return map[string]string{"Authorization": "Bearer " + p.token}, nil
}

// Refresh implements AuthProvider.
func (p *StaticTokenProvider) Refresh(ctx context.Context) error {
	p.mu.RLock()
	fn := p.refreshFn
	p.mu.RUnlock()
	if fn == nil {
		return nil
	}
	token, err := fn(ctx)
	if err != nil {
		return err
	}
	p.SetToken(token)
	return nil
}

// SetToken replaces the current token.
func (p *StaticTokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}
