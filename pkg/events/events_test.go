package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(EventDeploymentPhase, "phase changed", map[string]string{
		"deployment_id": "dep-1",
		"phase":         "baking",
	}))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventDeploymentPhase, ev.Type)
			assert.Equal(t, "baking", ev.Metadata["phase"])
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(sub1)
	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	_, open := <-sub1
	assert.False(t, open, "unsubscribed channel should be closed")
}

func TestPublishFillsDefaults(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventListenerBound})

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(New(EventPipelineStarted, "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stopped broker")
	}
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() {
		b.Publish(New(EventDeploymentStarted, "", nil))
	})
}
