package backendmock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/senser-io/senser/broker/backend"
)

func TestCompetingConsumers(t *testing.T) {
	br := NewBroker()
	pub := br.Connect(nil)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 50
	received := make(chan string, total)
	for i := 0; i < 2; i++ {
		conn := br.Connect(nil)
		defer conn.Close()
		go conn.Consume(ctx, "work", func(_ context.Context, m *backend.Message) error {
			received <- m.CorrelationID
			return nil
		})
	}

	for i := 0; i < total; i++ {
		require.NoError(t, pub.Publish(ctx, "work", &backend.Message{Body: []byte("{}"), CorrelationID: string(rune('a' + i))}))
	}

	seen := map[string]int{}
	for i := 0; i < total; i++ {
		select {
		case id := <-received:
			seen[id]++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for deliveries")
		}
	}
	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s delivered more than once", id)
	}
}

func TestRedelivery(t *testing.T) {
	br := NewBroker()
	conn := br.Connect(nil)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, conn.Publish(ctx, "work", &backend.Message{Body: []byte("x")}))

	attempts := 0
	done := make(chan struct{})
	go conn.Consume(ctx, "work", func(context.Context, *backend.Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("handler failed")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message was not redelivered")
	}
	require.Equal(t, int64(2), br.Redelivered())
	require.Equal(t, 0, br.Depth("work"))
}

func TestExclusiveReplyQueue(t *testing.T) {
	br := NewBroker()
	owner := br.Connect(nil)
	other := br.Connect(nil)
	defer other.Close()

	ctx := context.Background()
	name, err := owner.DeclareReplyQueue(ctx)
	require.NoError(t, err)
	require.Contains(t, name, "amq.gen-")

	err = other.Consume(ctx, name, func(context.Context, *backend.Message) error { return nil })
	require.Error(t, err)

	require.NoError(t, other.Publish(ctx, name, &backend.Message{Body: []byte("reply")}))
	require.Equal(t, 1, br.Depth(name))

	require.NoError(t, owner.Close())
	require.NoError(t, owner.Close())

	// The queue is gone; late replies are dropped.
	require.NoError(t, other.Publish(ctx, name, &backend.Message{Body: []byte("late")}))
	require.Equal(t, 0, br.Depth(name))

	require.Equal(t, ErrClosed, owner.Publish(ctx, "work", &backend.Message{}))
	_, err = owner.DeclareReplyQueue(ctx)
	require.Equal(t, ErrClosed, err)
}

func TestPublishErr(t *testing.T) {
	conn := NewBroker().Connect(nil)
	conn.PublishErr = errors.New("broker down")
	require.EqualError(t, conn.Publish(context.Background(), "work", &backend.Message{}), "broker down")
}
