package remote

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/objectfs/datacache/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider moves commit events between nodes.
type Provider interface {
	// Start begins delivering received events to deliver
	Start(ctx context.Context, deliver func(ev *types.RemoteCommitEvent)) error
	Publish(ctx context.Context, ev *types.RemoteCommitEvent) error
	Close() error
}

// LocalBus connects the providers of several event managers in one process.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[*LocalProvider]func(ev *types.RemoteCommitEvent)
}

// NewLocalBus creates a bus
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*LocalProvider]func(ev *types.RemoteCommitEvent))}
}

// Provider returns a new provider attached to the bus
func (b *LocalBus) Provider() *LocalProvider {
	return &LocalProvider{bus: b}
}

// LocalProvider delivers events synchronously to every provider on its bus,
// including itself.
type LocalProvider struct {
	bus *LocalBus
}

// NewLocalProvider creates a provider on a private bus
func NewLocalProvider() *LocalProvider {
	return NewLocalBus().Provider()
}

// Start implements Provider
func (p *LocalProvider) Start(ctx context.Context, deliver func(ev *types.RemoteCommitEvent)) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.bus.subs[p] = deliver
	return nil
}

// Publish implements Provider. Each subscriber gets its own copy of ev.
func (p *LocalProvider) Publish(ctx context.Context, ev *types.RemoteCommitEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.bus.mu.RLock()
	subs := make([]func(ev *types.RemoteCommitEvent), 0, len(p.bus.subs))
	for _, deliver := range p.bus.subs {
		subs = append(subs, deliver)
	}
	p.bus.mu.RUnlock()

	for _, deliver := range subs {
		var cp types.RemoteCommitEvent
		if err := json.Unmarshal(data, &cp); err != nil {
			return err
		}
		deliver(&cp)
	}
	return nil
}

// Close implements Provider
func (p *LocalProvider) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	delete(p.bus.subs, p)
	return nil
}
