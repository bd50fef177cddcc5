package chat

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Provider hands workers the broadcaster once the HTTP/socket layer has
// started. Await bounds the startup race with a fixed number of attempts
// instead of polling forever.
type Provider struct {
	mu sync.RWMutex
	b  Broadcaster
}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Set(b Broadcaster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.b = b
}

func (p *Provider) Get() (Broadcaster, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.b, p.b != nil
}

// Await retries acquisition with a short delay, then gives up.
func (p *Provider) Await(attempts int, delay time.Duration) (Broadcaster, error) {
	if attempts <= 0 {
		attempts = 5
	}
	for i := 0; i < attempts; i++ {
		if b, ok := p.Get(); ok {
			return b, nil
		}
		time.Sleep(delay)
	}
	return nil, errors.Errorf("broadcaster not initialized after %d attempts", attempts)
}
