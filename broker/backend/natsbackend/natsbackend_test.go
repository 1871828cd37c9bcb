package natsbackend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senser-io/senser/broker/backend"
	"github.com/senser-io/senser/internal/natstest"
)

func connect(t *testing.T, url string) backend.Backend {
	t.Helper()
	b, err := New(&backend.Opts{Logger: logrus.New(), URL: url, WaitTime: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRoundTrip(t *testing.T) {
	url := natstest.Start(t)
	worker := connect(t, url)
	client := connect(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Consume(ctx, "senser.work", func(ctx context.Context, m *backend.Message) error {
		return worker.Publish(ctx, m.ReplyTo, &backend.Message{
			Body:          append([]byte("re:"), m.Body...),
			CorrelationID: m.CorrelationID,
		})
	})

	inbox, err := client.DeclareReplyQueue(ctx)
	require.NoError(t, err)

	replies := make(chan *backend.Message, 1)
	go client.Consume(ctx, inbox, func(_ context.Context, m *backend.Message) error {
		replies <- m
		return nil
	})

	require.NoError(t, client.Publish(ctx, "senser.work", &backend.Message{
		Body:          []byte("ping"),
		CorrelationID: "c-1",
		ReplyTo:       inbox,
	}))

	select {
	case m := <-replies:
		assert.Equal(t, "re:ping", string(m.Body))
		assert.Equal(t, "c-1", m.CorrelationID)
	case <-time.After(10 * time.Second):
		t.Fatal("no reply received")
	}
}

func TestPublishBeforeConsume(t *testing.T) {
	url := natstest.Start(t)
	b := connect(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "senser-work", &backend.Message{Body: []byte("early"), CorrelationID: "c-1"}))

	got := make(chan *backend.Message, 1)
	go b.Consume(ctx, "senser-work", func(_ context.Context, m *backend.Message) error {
		got <- m
		return nil
	})

	select {
	case m := <-got:
		assert.Equal(t, "early", string(m.Body))
		assert.Equal(t, "c-1", m.CorrelationID)
	case <-time.After(10 * time.Second):
		t.Fatal("queued request was not delivered")
	}
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	url := natstest.Start(t)
	b := connect(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries := make(chan string, 4)
	attempts := 0
	go b.Consume(ctx, "senser-work", func(_ context.Context, m *backend.Message) error {
		attempts++
		deliveries <- m.CorrelationID
		if attempts == 1 {
			return errors.New("reply could not be published")
		}
		return nil
	})

	require.NoError(t, b.Publish(ctx, "senser-work", &backend.Message{Body: []byte("req"), CorrelationID: "c-1"}))

	for i := 0; i < 2; i++ {
		select {
		case id := <-deliveries:
			assert.Equal(t, "c-1", id)
		case <-time.After(10 * time.Second):
			t.Fatalf("delivery %d not received", i+1)
		}
	}

	// Acknowledged after the second attempt; nothing else arrives.
	select {
	case id := <-deliveries:
		t.Fatalf("unexpected delivery of %s", id)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "senser-work", StreamName("senser-work"))
	assert.Equal(t, "senser_work", StreamName("senser.work"))
}

func TestUnknownURL(t *testing.T) {
	_, err := New(&backend.Opts{Logger: logrus.New(), URL: "nats://127.0.0.1:1"})
	require.Error(t, err)
}
