package remote

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/objectfs/datacache/internal/circuit"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/retry"
	"github.com/objectfs/datacache/pkg/types"
	"github.com/objectfs/datacache/pkg/utils"
)

// DefaultChannel is the pub/sub channel used when none is configured
const DefaultChannel = "datacache:commits"

// RedisProvider carries commit events over Redis pub/sub.
type RedisProvider struct {
	client  redis.UniversalClient
	owned   bool
	channel string
	retryer *retry.Retryer
	breaker *circuit.Breaker
	logger  *utils.StructuredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisProvider connects to the server at url (redis://host:port/db).
func NewRedisProvider(url, channel string, retryConfig retry.Config, logger *utils.StructuredLogger) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid redis url").
			WithComponent("remote").
			WithContext("url", url)
	}
	p := NewRedisProviderWithClient(redis.NewClient(opts), channel, retryConfig, logger)
	p.owned = true
	return p, nil
}

// NewRedisProviderWithClient uses an existing client. The client is not
// closed by Close.
func NewRedisProviderWithClient(client redis.UniversalClient, channel string, retryConfig retry.Config, logger *utils.StructuredLogger) *RedisProvider {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	p := &RedisProvider{
		client:  client,
		channel: channel,
		breaker: circuit.NewBreaker("redis", circuit.Config{}),
		logger:  logger.WithComponent("remote").WithField("channel", channel),
	}
	p.retryer = retry.New(retryConfig).OnRetry(func(attempt int, err error, delay time.Duration) {
		p.logger.Debug("Retrying publish", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	})
	return p
}

// WithBreaker suspends publishing after config.FailureThreshold consecutive
// failed publishes, each of which has already exhausted its retries.
func (p *RedisProvider) WithBreaker(config circuit.Config) *RedisProvider {
	p.breaker = circuit.NewBreaker("redis", config)
	p.breaker.OnStateChange(func(name string, from, to circuit.State) {
		p.logger.Warn("Commit publishing breaker changed state", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	})
	return p
}

// Start implements Provider. It returns once the subscription is confirmed.
func (p *RedisProvider) Start(ctx context.Context, deliver func(ev *types.RemoteCommitEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pubsub != nil {
		return nil
	}

	pubsub := p.client.Subscribe(context.Background(), p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to subscribe").
			WithComponent("remote").
			WithOperation("subscribe").
			WithContext("channel", p.channel)
	}
	p.pubsub = pubsub

	messages := pubsub.Channel()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for msg := range messages {
			var ev types.RemoteCommitEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("Dropping malformed commit event", map[string]interface{}{"error": err.Error()})
				continue
			}
			deliver(&ev)
		}
	}()
	return nil
}

// Publish implements Provider. Connection failures are retried; while the
// breaker is open events are dropped with an error.
func (p *RedisProvider) Publish(ctx context.Context, ev *types.RemoteCommitEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode commit event").
			WithComponent("remote")
	}

	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
				return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to publish commit event").
					WithComponent("remote").
					WithOperation("publish").
					WithContext("channel", p.channel)
			}
			return nil
		})
	})
}

// Close implements Provider
func (p *RedisProvider) Close() error {
	p.mu.Lock()
	pubsub := p.pubsub
	p.pubsub = nil
	p.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
		p.wg.Wait()
	}
	if p.owned {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
