package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var received []Event
	wg := sync.WaitGroup{}
	wg.Add(2)

	for i := 0; i < 2; i++ {
		bus.Register(SubscriberFunc(func(_ context.Context, e Event) {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
			wg.Done()
		}))
	}

	bus.Publish(context.Background(), Event{Type: EventTaskCreated, TaskID: "t-1"})

	waitWithTimeout(t, &wg, time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "t-1", received[0].TaskID)
	assert.NotZero(t, received[0].Timestamp)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := New(nil)
	release := make(chan struct{})
	bus.Register(SubscriberFunc(func(context.Context, Event) {
		<-release
	}))

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Event{Type: EventTaskCreated})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
}

func TestPublishRecoversSubscriberPanic(t *testing.T) {
	bus := New(nil)
	wg := sync.WaitGroup{}
	wg.Add(1)
	bus.Register(SubscriberFunc(func(context.Context, Event) {
		defer wg.Done()
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: EventTaskFailed})
	})
	waitWithTimeout(t, &wg, time.Second)
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := New(nil)
	var count int
	var mu sync.Mutex
	sub := bus.Register(SubscriberFunc(func(context.Context, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	sub.Close()
	sub.Close()

	bus.Publish(context.Background(), Event{Type: EventTaskCreated})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for subscribers")
	}
}
