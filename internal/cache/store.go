package cache

import (
	"container/list"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Expirable is implemented by values that carry their own expiry.
type Expirable interface {
	Expired(now time.Time) bool
}

// EvictionReason tells listeners why an entry left the store.
type EvictionReason int

const (
	// ReasonExpired means the entry timed out and was removed lazily
	ReasonExpired EvictionReason = iota
	// ReasonCapacity means the entry was dropped to stay within size limits
	ReasonCapacity
)

// String returns the reason name
func (r EvictionReason) String() string {
	if r == ReasonExpired {
		return "expired"
	}
	return "capacity"
}

// ExpirationListener is told about entries that leave the store without an
// explicit remove. Listeners run outside the store locks but must not call
// back into a store whose write lock the notifying goroutine holds.
type ExpirationListener[K comparable] func(key K, reason EvictionReason)

// StoreConfig represents store configuration
type StoreConfig struct {
	// CacheSize bounds unpinned entries in the hard region; -1 is unlimited
	CacheSize int `yaml:"cache_size"`

	// SoftReferenceSize bounds the overflow region; 0 disables it, -1 sizes it like CacheSize
	SoftReferenceSize int `yaml:"soft_reference_size"`

	// EvictionPolicy is "lru" or "random"
	EvictionPolicy string `yaml:"eviction_policy"`

	// CleanupInterval sweeps expired entries in the background when positive
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CacheSize:         1000,
		SoftReferenceSize: -1,
		EvictionPolicy:    "lru",
	}
}

// Validate checks the configuration
func (c StoreConfig) Validate() error {
	if c.CacheSize < -1 {
		return fmt.Errorf("cache size must be -1 or non-negative, got %d", c.CacheSize)
	}
	if c.SoftReferenceSize < -1 {
		return fmt.Errorf("soft reference size must be -1 or non-negative, got %d", c.SoftReferenceSize)
	}
	switch c.EvictionPolicy {
	case "", "lru", "random":
	default:
		return fmt.Errorf("unknown eviction policy %q", c.EvictionPolicy)
	}
	return nil
}

type storeItem[K comparable, V Expirable] struct {
	key   K
	value V
	// element is nil while the key is pinned
	element *list.Element
}

type storeEvent[K comparable] struct {
	key    K
	reason EvictionReason
}

// Store is a concurrent bounded map with pinning, a soft overflow region and
// lazy expiry. Single key operations are atomic. WriteLock brackets a batch
// during which other callers are excluded; code holding it must go through
// Locked.
type Store[K comparable, V Expirable] struct {
	batchMu sync.RWMutex
	mu      sync.Mutex

	items  map[K]*storeItem[K, V]
	order  *list.List
	pinned map[K]struct{}
	soft   *simplelru.LRU[K, V]

	config   StoreConfig
	softSize int

	listenersMu sync.RWMutex
	listeners   []ExpirationListener[K]

	now func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore creates a new store
func NewStore[K comparable, V Expirable](config *StoreConfig) (*Store[K, V], error) {
	if config == nil {
		def := DefaultStoreConfig()
		config = &def
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Store[K, V]{
		items:  make(map[K]*storeItem[K, V]),
		order:  list.New(),
		pinned: make(map[K]struct{}),
		config: *config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	s.softSize = config.SoftReferenceSize
	if s.softSize == -1 {
		s.softSize = config.CacheSize
	}
	if s.softSize > 0 {
		soft, err := simplelru.NewLRU[K, V](s.softSize, nil)
		if err != nil {
			return nil, err
		}
		s.soft = soft
	} else if s.softSize == -1 {
		// Unlimited hard region with unlimited overflow: nothing ever overflows.
		s.softSize = 0
	}

	if config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupExpired(config.CleanupInterval)
	}

	return s, nil
}

// SetClock replaces the time source used for expiry checks
func (s *Store[K, V]) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddExpirationListener registers a listener
func (s *Store[K, V]) AddExpirationListener(l ExpirationListener[K]) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Config returns the store configuration
func (s *Store[K, V]) Config() StoreConfig {
	return s.config
}

// WriteLock acquires the batch lock
func (s *Store[K, V]) WriteLock() {
	s.batchMu.Lock()
}

// WriteUnlock releases the batch lock
func (s *Store[K, V]) WriteUnlock() {
	s.batchMu.Unlock()
}

// Get retrieves a live value
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.batchMu.RLock()
	v, ok, events := s.get(key)
	s.batchMu.RUnlock()
	s.dispatch(events)
	return v, ok
}

// Put stores a value and returns the previous live value
func (s *Store[K, V]) Put(key K, value V) (V, bool) {
	s.batchMu.RLock()
	prev, ok, events := s.put(key, value)
	s.batchMu.RUnlock()
	s.dispatch(events)
	return prev, ok
}

// Remove deletes a key and returns the previous value
func (s *Store[K, V]) Remove(key K) (V, bool) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	return s.remove(key)
}

// RemoveAll deletes keys and returns how many were present
func (s *Store[K, V]) RemoveAll(keys []K) int {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	n := 0
	for _, k := range keys {
		if _, ok := s.remove(k); ok {
			n++
		}
	}
	return n
}

// Contains reports whether a live value exists for key
func (s *Store[K, V]) Contains(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// ContainsAll reports presence per key, in order
func (s *Store[K, V]) ContainsAll(keys []K) []bool {
	out := make([]bool, len(keys))
	for i, k := range keys {
		out[i] = s.Contains(k)
	}
	return out
}

// Pin protects key from capacity eviction. It reports whether a value is
// present; pinning an absent key still pins the next value put under it.
func (s *Store[K, V]) Pin(key K) bool {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	return s.pin(key)
}

// Unpin releases a pin and reports whether a value is present
func (s *Store[K, V]) Unpin(key K) bool {
	s.batchMu.RLock()
	ok, events := s.unpin(key)
	s.batchMu.RUnlock()
	s.dispatch(events)
	return ok
}

// Clear removes every entry. Pins survive.
func (s *Store[K, V]) Clear() {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	s.clear()
}

// Keys returns a snapshot of the keys
func (s *Store[K, V]) Keys() []K {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	return s.keys()
}

// Peek returns a live value without touching recency
func (s *Store[K, V]) Peek(key K) (V, bool) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	return s.peek(key)
}

// Snapshot returns the live entries without touching recency
func (s *Store[K, V]) Snapshot() map[K]V {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	return s.snapshot()
}

// Len returns the number of stored entries, expired ones included until touched
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

// PinnedKeys returns the pinned keys, present or not
func (s *Store[K, V]) PinnedKeys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.pinned))
	for k := range s.pinned {
		out = append(out, k)
	}
	return out
}

// Locked returns a view for callers that hold the write lock
func (s *Store[K, V]) Locked() *LockedStore[K, V] {
	return &LockedStore[K, V]{s: s}
}

// Close stops background cleanup
func (s *Store[K, V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// LockedStore exposes store operations without taking the batch lock.
type LockedStore[K comparable, V Expirable] struct {
	s *Store[K, V]
}

// Get retrieves a live value
func (l *LockedStore[K, V]) Get(key K) (V, bool) {
	v, ok, events := l.s.get(key)
	l.s.dispatch(events)
	return v, ok
}

// Put stores a value
func (l *LockedStore[K, V]) Put(key K, value V) (V, bool) {
	prev, ok, events := l.s.put(key, value)
	l.s.dispatch(events)
	return prev, ok
}

// Remove deletes a key
func (l *LockedStore[K, V]) Remove(key K) (V, bool) {
	return l.s.remove(key)
}

// Keys returns a snapshot of the keys
func (l *LockedStore[K, V]) Keys() []K {
	return l.s.keys()
}

// Peek returns a live value without touching recency
func (l *LockedStore[K, V]) Peek(key K) (V, bool) {
	return l.s.peek(key)
}

// Snapshot returns the live entries
func (l *LockedStore[K, V]) Snapshot() map[K]V {
	return l.s.snapshot()
}

// Clear removes every entry
func (l *LockedStore[K, V]) Clear() {
	l.s.clear()
}

// Helper methods

func (s *Store[K, V]) get(key K) (V, bool, []storeEvent[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	now := s.now()

	if item, ok := s.items[key]; ok {
		if item.value.Expired(now) {
			s.removeItem(item)
			return zero, false, []storeEvent[K]{{key, ReasonExpired}}
		}
		if item.element != nil {
			s.order.MoveToFront(item.element)
		}
		return item.value, true, nil
	}

	if s.soft == nil {
		return zero, false, nil
	}
	v, ok := s.soft.Peek(key)
	if !ok {
		return zero, false, nil
	}
	s.soft.Remove(key)
	if v.Expired(now) {
		return zero, false, []storeEvent[K]{{key, ReasonExpired}}
	}
	// Promote back into the hard region.
	events := s.insert(key, v)
	return v, true, events
}

func (s *Store[K, V]) put(key K, value V) (V, bool, []storeEvent[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev V
	var had bool
	now := s.now()

	if item, ok := s.items[key]; ok {
		if !item.value.Expired(now) {
			prev, had = item.value, true
		}
		item.value = value
		if item.element != nil {
			s.order.MoveToFront(item.element)
		}
		return prev, had, nil
	}

	if s.soft != nil {
		if v, ok := s.soft.Peek(key); ok {
			s.soft.Remove(key)
			if !v.Expired(now) {
				prev, had = v, true
			}
		}
	}

	return prev, had, s.insert(key, value)
}

func (s *Store[K, V]) insert(key K, value V) []storeEvent[K] {
	item := &storeItem[K, V]{key: key, value: value}
	s.items[key] = item
	if _, pinned := s.pinned[key]; pinned {
		return nil
	}
	item.element = s.order.PushFront(item)
	return s.enforceCapacity()
}

func (s *Store[K, V]) remove(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[key]; ok {
		s.removeItem(item)
		return item.value, true
	}
	if s.soft != nil {
		if v, ok := s.soft.Peek(key); ok {
			s.soft.Remove(key)
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (s *Store[K, V]) removeItem(item *storeItem[K, V]) {
	if item.element != nil {
		s.order.Remove(item.element)
		item.element = nil
	}
	delete(s.items, item.key)
}

func (s *Store[K, V]) pin(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pinned[key] = struct{}{}
	if item, ok := s.items[key]; ok {
		if item.element != nil {
			s.order.Remove(item.element)
			item.element = nil
		}
		return true
	}
	if s.soft != nil {
		if v, ok := s.soft.Peek(key); ok {
			s.soft.Remove(key)
			s.items[key] = &storeItem[K, V]{key: key, value: v}
			return true
		}
	}
	return false
}

func (s *Store[K, V]) unpin(key K) (bool, []storeEvent[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pinned[key]; !ok {
		_, present := s.items[key]
		return present, nil
	}
	delete(s.pinned, key)

	item, ok := s.items[key]
	if !ok {
		return false, nil
	}
	item.element = s.order.PushFront(item)
	return true, s.enforceCapacity()
}

func (s *Store[K, V]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[K]*storeItem[K, V])
	s.order.Init()
	if s.soft != nil {
		s.soft.Purge()
	}
}

func (s *Store[K, V]) keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]K, 0, s.lenLocked())
	for k := range s.items {
		out = append(out, k)
	}
	if s.soft != nil {
		out = append(out, s.soft.Keys()...)
	}
	return out
}

func (s *Store[K, V]) peek(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	now := s.now()
	if item, ok := s.items[key]; ok {
		if item.value.Expired(now) {
			return zero, false
		}
		return item.value, true
	}
	if s.soft != nil {
		if v, ok := s.soft.Peek(key); ok && !v.Expired(now) {
			return v, true
		}
	}
	return zero, false
}

func (s *Store[K, V]) snapshot() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[K]V, s.lenLocked())
	for k, item := range s.items {
		if !item.value.Expired(now) {
			out[k] = item.value
		}
	}
	if s.soft != nil {
		for _, k := range s.soft.Keys() {
			if v, ok := s.soft.Peek(k); ok && !v.Expired(now) {
				out[k] = v
			}
		}
	}
	return out
}

func (s *Store[K, V]) lenLocked() int {
	n := len(s.items)
	if s.soft != nil {
		n += s.soft.Len()
	}
	return n
}

// enforceCapacity moves unpinned victims into the soft region, dropping
// whatever falls off its end.
func (s *Store[K, V]) enforceCapacity() []storeEvent[K] {
	if s.config.CacheSize < 0 {
		return nil
	}

	var events []storeEvent[K]
	for s.order.Len() > s.config.CacheSize {
		victim := s.selectVictim()
		s.removeItem(victim)

		if s.soft == nil {
			events = append(events, storeEvent[K]{victim.key, ReasonCapacity})
			continue
		}
		if s.soft.Len() >= s.softSize {
			if k, _, ok := s.soft.RemoveOldest(); ok {
				events = append(events, storeEvent[K]{k, ReasonCapacity})
			}
		}
		s.soft.Add(victim.key, victim.value)
	}
	return events
}

func (s *Store[K, V]) selectVictim() *storeItem[K, V] {
	if s.config.EvictionPolicy == "random" {
		n := rand.Intn(s.order.Len())
		e := s.order.Back()
		for i := 0; i < n; i++ {
			e = e.Prev()
		}
		return e.Value.(*storeItem[K, V])
	}
	return s.order.Back().Value.(*storeItem[K, V])
}

func (s *Store[K, V]) dispatch(events []storeEvent[K]) {
	if len(events) == 0 {
		return
	}
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev.key, ev.reason)
		}
	}
}

func (s *Store[K, V]) cleanupExpired(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch(s.sweep())
		}
	}
}

func (s *Store[K, V]) sweep() []storeEvent[K] {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var events []storeEvent[K]
	for k, item := range s.items {
		if item.value.Expired(now) {
			s.removeItem(item)
			events = append(events, storeEvent[K]{k, ReasonExpired})
		}
	}
	if s.soft != nil {
		for _, k := range s.soft.Keys() {
			if v, ok := s.soft.Peek(k); ok && v.Expired(now) {
				s.soft.Remove(k)
				events = append(events, storeEvent[K]{k, ReasonExpired})
			}
		}
	}
	return events
}
