package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		err = bus.Publish(ctx, domain.TopicTransactionIngested, []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicTransactionIngested {
			t.Errorf("expected topic '%s', got '%s'", domain.TopicTransactionIngested, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID to be set")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var scored, alerts atomic.Int32

		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
			scored.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicTransactionScored, []byte("scored"))
		waitFor(t, &wg)
		time.Sleep(20 * time.Millisecond)

		if scored.Load() != 1 {
			t.Errorf("scored subscriber should receive 1 message, got %d", scored.Load())
		}
		if alerts.Load() != 0 {
			t.Errorf("alert subscriber should receive 0 messages, got %d", alerts.Load())
		}
	})

	t.Run("TraceIDInMetadata", func(t *testing.T) {
		traceID := trace.TraceID{0x01, 0x02, 0x03}
		spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  trace.SpanID{0x0a},
		})
		tracedCtx := trace.ContextWithSpanContext(ctx, spanCtx)

		var got string
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "trace.topic", func(ctx context.Context, msg *domain.Message) error {
			got = msg.Metadata["trace_id"]
			wg.Done()
			return nil
		})

		bus.Publish(tracedCtx, "trace.topic", []byte("traced"))
		waitFor(t, &wg)

		if got != traceID.String() {
			t.Errorf("expected trace_id '%s', got '%s'", traceID.String(), got)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()

		if n := bus.Subscribers("unsub.topic"); n != 0 {
			t.Errorf("expected subscription to be removed, %d remain", n)
		}

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		var wg sync.WaitGroup
		wg.Add(2)

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			wg.Done()
			return nil
		})

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("HandlerErrorDoesNotStopDelivery", func(t *testing.T) {
		var count atomic.Int32

		var wg sync.WaitGroup
		wg.Add(2)

		bus.Subscribe(ctx, "error.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return errors.New("handler failed")
		})

		bus.Publish(ctx, "error.topic", []byte("first"))
		bus.Publish(ctx, "error.topic", []byte("second"))
		waitFor(t, &wg)

		if count.Load() != 2 {
			t.Errorf("expected 2 deliveries, got %d", count.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusBufferFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// First message is picked up by the handler, second fills the buffer.
	if err := bus.Publish(ctx, "slow.topic", []byte("1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-started
	if err := bus.Publish(ctx, "slow.topic", []byte("2")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	err := bus.Publish(ctx, "slow.topic", []byte("3"))
	if !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}

	close(release)
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	_, err := bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe after close, got %v", err)
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	// Closing twice is a no-op
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
