package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
)

type recordingListener struct {
	mu     sync.Mutex
	events []*types.RemoteCommitEvent
}

func (l *recordingListener) AfterCommit(ev *types.RemoteCommitEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) received() []*types.RemoteCommitEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*types.RemoteCommitEvent(nil), l.events...)
}

func newNode(t *testing.T, p Provider) (*EventManager, *recordingListener) {
	t.Helper()
	m := NewEventManager(p, DefaultConfig(), nil)
	l := &recordingListener{}
	m.AddListener(l)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, l
}

func TestEventManager_DeliversToOtherNodesOnly(t *testing.T) {
	bus := NewLocalBus()
	a, fromA := newNode(t, bus.Provider())
	b, fromB := newNode(t, bus.Provider())
	require.NotEqual(t, a.NodeID(), b.NodeID())

	ev := &types.RemoteCommitEvent{
		Payload:        types.PayloadOIDs,
		PersistedTypes: []string{"Person"},
		UpdatedOIDs:    []types.OID{types.NewOID("Person", "1")},
	}
	require.NoError(t, a.FireLocalCommit(context.Background(), ev))

	assert.Empty(t, fromA.received(), "own events are ignored")
	got := fromB.received()
	require.Len(t, got, 1)
	assert.Equal(t, a.NodeID(), got[0].NodeID)
	assert.Equal(t, ev.UpdatedOIDs, got[0].UpdatedOIDs)
	assert.Empty(t, ev.NodeID, "caller's event is not modified")

	require.NoError(t, b.FireLocalStaleNotification(context.Background(), types.NewOID("Person", "2")))
	got = fromA.received()
	require.Len(t, got, 1)
	assert.Equal(t, types.PayloadOIDs, got[0].Payload)
	assert.Equal(t, []types.OID{types.NewOID("Person", "2")}, got[0].UpdatedOIDs)
}

func TestEventManager_ListenerPanicIsContained(t *testing.T) {
	bus := NewLocalBus()
	a, _ := newNode(t, bus.Provider())
	b, fromB := newNode(t, bus.Provider())
	b.AddListener(panicListener{})
	late := &recordingListener{}
	b.AddListener(late)

	a.AfterCommit(&types.RemoteCommitEvent{DeletedTypes: []string{"Person"}, Payload: types.PayloadExtents})

	assert.Len(t, fromB.received(), 1)
	assert.Len(t, late.received(), 1)
}

type panicListener struct{}

func (panicListener) AfterCommit(ev *types.RemoteCommitEvent) { panic("listener failure") }

func TestEventManager_Closed(t *testing.T) {
	bus := NewLocalBus()
	a, _ := newNode(t, bus.Provider())
	b, fromB := newNode(t, bus.Provider())

	require.NoError(t, b.Close())
	require.NoError(t, a.FireLocalCommit(context.Background(), &types.RemoteCommitEvent{}))
	assert.Empty(t, fromB.received())
}

func TestEventManager_WithoutProvider(t *testing.T) {
	m := NewEventManager(nil, DefaultConfig(), nil)
	require.NoError(t, m.Start(context.Background()))
	assert.NoError(t, m.FireLocalCommit(context.Background(), &types.RemoteCommitEvent{}))
	assert.NoError(t, m.Close())
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		isNil    bool
		wantErr  bool
	}{
		{provider: "", isNil: true},
		{provider: "none", isNil: true},
		{provider: "LOCAL"},
		{provider: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Provider = tt.provider
			p, err := NewProvider(cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isNil, p == nil)
		})
	}

	cfg := DefaultConfig()
	cfg.Provider = "redis"
	cfg.RedisURL = "not a url"
	_, err := NewProvider(cfg, nil)
	assert.Error(t, err)
}
