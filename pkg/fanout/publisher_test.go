package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	failures int
	channel  string
	message  any
	calls    int
	closed   bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.calls++
	if f.calls <= f.failures {
		return redis.NewIntResult(0, errors.New("connection reset"))
	}
	f.channel, f.message = channel, message
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisherRetriesAndUsesPrefix(t *testing.T) {
	fake := &fakeRedis{failures: 1}
	p := newRedisPublisher(fake, RedisConfig{MaxRetries: 2}, nil)
	p.retry.Backoff = 0
	if err := p.Publish(context.Background(), "s1", map[string]any{"type": "transcription", "sequence": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.calls != 2 || fake.channel != "dengar:stream:s1" {
		t.Fatalf("unexpected publish %d %s", fake.calls, fake.channel)
	}
	if string(fake.message.([]byte)) != `{"sequence":1,"type":"transcription"}` {
		t.Fatalf("unexpected payload %s", fake.message)
	}
	_ = p.Close()
	if !fake.closed {
		t.Fatalf("close should reach the client")
	}
}

func TestRedisPublisherGivesUp(t *testing.T) {
	fake := &fakeRedis{failures: 10}
	p := newRedisPublisher(fake, RedisConfig{Prefix: "x:", MaxRetries: 1}, nil)
	p.retry.Backoff = 0
	if err := p.Publish(context.Background(), "s1", "v"); err == nil {
		t.Fatalf("expected error")
	}
	if fake.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.calls)
	}
}

func TestNewRedisPublisherRequiresAddr(t *testing.T) {
	if _, err := NewRedisPublisher(RedisConfig{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
