package gaio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 1
	r, err := NewReactor(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

// TestPubSubLiteralDelivery exercises spec §8 property 6's literal half:
// a literal subscription to "foo.bar" receives a publish of "foo.bar".
func TestPubSubLiteralDelivery(t *testing.T) {
	r := newTestReactor(t)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	_, err := r.pubsub.Subscribe(SubscribeOptions{
		Channel: "foo.bar",
		OnMessage: func(m *Message) {
			mu.Lock()
			got = append([]byte(nil), m.Payload...)
			mu.Unlock()
			close(done)
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.pubsub.Publish(PublishOptions{Channel: "foo.bar", Payload: []byte("hello")}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hello", string(got))
}

// TestPubSubPatternDelivery exercises spec §8 property 6's pattern half:
// a pattern subscription whose matcher returns 0 for "foo.bar" receives
// the publish; one that returns non-zero does not.
func TestPubSubPatternDelivery(t *testing.T) {
	r := newTestReactor(t)

	matchCh := make(chan struct{}, 1)
	_, err := r.pubsub.Subscribe(SubscribeOptions{
		Pattern: func(channel []byte) int {
			if string(channel) == "foo.bar" {
				return 0
			}
			return 1
		},
		OnMessage: func(m *Message) { matchCh <- struct{}{} },
	})
	require.NoError(t, err)

	noMatchCh := make(chan struct{}, 1)
	_, err = r.pubsub.Subscribe(SubscribeOptions{
		Pattern:   func(channel []byte) int { return 1 },
		OnMessage: func(m *Message) { noMatchCh <- struct{}{} },
	})
	require.NoError(t, err)

	require.NoError(t, r.pubsub.Publish(PublishOptions{Channel: "foo.bar", Payload: []byte("x")}))

	select {
	case <-matchCh:
	case <-time.After(time.Second):
		t.Fatal("matching pattern subscription never fired")
	}
	select {
	case <-noMatchCh:
		t.Fatal("non-matching pattern subscription should not have fired")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPubSubFilteredIPCIgnoresPatterns covers the separation of the typed
// IPC namespace from pub/sub (spec §8 property 5): a filter != 0 publish
// never reaches pattern subscriptions, which only apply to filter == 0
// pub/sub traffic.
func TestPubSubFilteredIPCIgnoresPatterns(t *testing.T) {
	r := newTestReactor(t)

	fired := make(chan struct{}, 1)
	_, err := r.pubsub.Subscribe(SubscribeOptions{
		Pattern:   func(channel []byte) int { return 0 },
		OnMessage: func(m *Message) { fired <- struct{}{} },
	})
	require.NoError(t, err)

	require.NoError(t, r.pubsub.Publish(PublishOptions{Filter: 42, Channel: "anything", Payload: []byte("x")}))

	select {
	case <-fired:
		t.Fatal("pattern subscription must not receive filtered IPC traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscriptionCancelDuringDispatch exercises the ref-counted cancel
// state machine of spec §4.9: Cancel during an in-flight delivery must
// not free the subscription until the callback returns.
func TestSubscriptionCancelDuringDispatch(t *testing.T) {
	r := newTestReactor(t)

	inCallback := make(chan struct{})
	releaseCallback := make(chan struct{})
	unsubscribed := make(chan struct{})

	sub, err := r.pubsub.Subscribe(SubscribeOptions{
		Channel: "chan",
		OnMessage: func(m *Message) {
			close(inCallback)
			<-releaseCallback
		},
		OnUnsubscribe: func() { close(unsubscribed) },
	})
	require.NoError(t, err)

	require.NoError(t, r.pubsub.Publish(PublishOptions{Channel: "chan", Payload: []byte("x")}))

	<-inCallback
	sub.Cancel()

	select {
	case <-unsubscribed:
		t.Fatal("must not unsubscribe while delivery is in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseCallback)

	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("expected unsubscribe to complete once the in-flight callback returned")
	}
}
