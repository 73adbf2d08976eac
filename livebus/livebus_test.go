package livebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe(nil)
	_, ch2 := b.Subscribe(nil)

	b.Publish(`{"dir":"C->S"}`)

	select {
	case line := <-ch1:
		assert.Equal(t, `{"dir":"C->S"}`, line)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive the line")
	}
	select {
	case line := <-ch2:
		assert.Equal(t, `{"dir":"C->S"}`, line)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive the line")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	handle, ch := b.Subscribe(nil)
	b.Unsubscribe(handle)

	b.Publish("line")
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected closed channel, got nothing")
	}
}

func TestSessionHookInvokedOnPublish(t *testing.T) {
	b := New()
	var got []string
	b.SetSessionHook(func(line string) { got = append(got, line) })

	b.Publish("one")
	b.Publish("two")
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestSlowSubscriberIsolatedAndDropped(t *testing.T) {
	b := New()
	var errCount int
	_, ch := b.Subscribe(func(err error) { errCount++ })
	_, other := b.Subscribe(nil)

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < 100; i++ {
		b.Publish("x")
	}

	require.Greater(t, errCount, 0)
	// The first subscriber backing up must not stop delivery to the other
	// one, which still holds the lines that fit its own buffer.
	select {
	case <-other:
	default:
		t.Fatal("other subscriber received nothing")
	}
	_ = ch
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.SubscriberCount())
	h, _ := b.Subscribe(nil)
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(h)
	assert.Equal(t, 0, b.SubscriberCount())
}
