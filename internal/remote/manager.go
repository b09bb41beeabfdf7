package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/datacache/internal/circuit"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/retry"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// Config represents remote commit configuration
type Config struct {
	// Provider is "", "local" or "redis"; empty disables propagation
	Provider string         `yaml:"provider"`
	RedisURL string         `yaml:"redis_url"`
	Channel  string         `yaml:"channel"`
	Timeout  time.Duration  `yaml:"timeout"`
	Retry    retry.Config   `yaml:"retry"`
	Breaker  circuit.Config `yaml:"breaker"`
}

// DefaultConfig returns the default remote configuration
func DefaultConfig() Config {
	return Config{
		Channel: DefaultChannel,
		Timeout: 5 * time.Second,
		Retry:   retry.DefaultConfig(),
		Breaker: circuit.DefaultConfig(),
	}
}

// NewProvider builds the provider named by config, or nil when disabled.
func NewProvider(config Config, logger *utils.StructuredLogger) (Provider, error) {
	switch strings.ToLower(config.Provider) {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalProvider(), nil
	case "redis":
		p, err := NewRedisProvider(config.RedisURL, config.Channel, config.Retry, logger)
		if err != nil {
			return nil, err
		}
		return p.WithBreaker(config.Breaker), nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown remote provider %q", config.Provider)).
			WithComponent("remote")
	}
}

// EventManager publishes local commits and hands commits made by other
// nodes to its listeners.
type EventManager struct {
	nodeID   string
	provider Provider
	timeout  time.Duration
	logger   *utils.StructuredLogger

	mu        sync.RWMutex
	listeners []types.RemoteCommitListener
	started   bool
}

// NewEventManager creates a manager with a fresh node id
func NewEventManager(provider Provider, config Config, logger *utils.StructuredLogger) *EventManager {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	nodeID := uuid.NewString()
	return &EventManager{
		nodeID:   nodeID,
		provider: provider,
		timeout:  config.Timeout,
		logger:   logger.WithComponent("remote").WithField("node", nodeID),
	}
}

// NodeID returns the id stamped on events published by this node
func (m *EventManager) NodeID() string { return m.nodeID }

// AddListener registers l for commits made on other nodes
func (m *EventManager) AddListener(l types.RemoteCommitListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start subscribes to the provider
func (m *EventManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.provider == nil {
		return nil
	}
	if err := m.provider.Start(ctx, m.receive); err != nil {
		return err
	}
	m.started = true
	m.logger.Info("Remote commit propagation started")
	return nil
}

func (m *EventManager) receive(ev *types.RemoteCommitEvent) {
	if ev == nil || ev.NodeID == m.nodeID {
		return
	}

	m.mu.RLock()
	listeners := append([]types.RemoteCommitListener(nil), m.listeners...)
	m.mu.RUnlock()

	m.logger.Debug("Received remote commit", map[string]interface{}{"from": ev.NodeID})
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Remote commit listener panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
				}
			}()
			l.AfterCommit(ev)
		}()
	}
}

// FireLocalCommit publishes a commit made on this node
func (m *EventManager) FireLocalCommit(ctx context.Context, ev *types.RemoteCommitEvent) error {
	if m.provider == nil || ev == nil {
		return nil
	}
	out := *ev
	out.NodeID = m.nodeID

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.provider.Publish(ctx, &out)
}

// FireLocalStaleNotification tells other nodes that their copy of oid is stale
func (m *EventManager) FireLocalStaleNotification(ctx context.Context, oid types.OID) error {
	return m.FireLocalCommit(ctx, &types.RemoteCommitEvent{
		Payload:     types.PayloadOIDs,
		UpdatedOIDs: []types.OID{oid},
	})
}

// AfterCommit publishes ev, so the manager can listen to local commits.
// Failures are logged.
func (m *EventManager) AfterCommit(ev *types.RemoteCommitEvent) {
	if err := m.FireLocalCommit(context.Background(), ev); err != nil {
		m.logger.Error("Failed to publish commit", map[string]interface{}{"error": err.Error()})
	}
}

// Close stops receiving and releases the provider
func (m *EventManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	if m.provider == nil {
		return nil
	}
	return m.provider.Close()
}
