package event

import (
	"testing"

	"github.com/samikshajagne/minicrisp/internal/message"
)

func note(customerID int64, text string) Notification {
	return Notification{
		CustomerID: customerID,
		Message:    message.Message{CustomerID: customerID, BodyText: text},
	}
}

func TestHub_PublishToSubscribedKey(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("a@x.com")
	defer hub.Unsubscribe(sub)

	hub.Publish(note(1, "hello"), "a@x.com")

	select {
	case got := <-sub.C():
		if got.CustomerID != 1 || got.Message.BodyText != "hello" {
			t.Fatalf("unexpected notification: %+v", got)
		}
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestHub_KeyNormalization(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("  A@X.COM ")
	defer hub.Unsubscribe(sub)

	hub.Publish(note(1, "hi"), "a@x.com")
	if len(sub.C()) != 1 {
		t.Fatalf("subscriber did not receive normalized-key publish")
	}
}

func TestHub_OtherKeysDoNotReceive(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("a@x.com")
	defer hub.Unsubscribe(sub)

	hub.Publish(note(2, "other"), "b@y.com")
	if len(sub.C()) != 0 {
		t.Fatal("subscriber received a publish for another key")
	}
}

func TestHub_MultipleKeysDeliverOnce(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("a@x.com")
	defer hub.Unsubscribe(sub)

	// The same subscriber must not get duplicates when publish fans out to
	// several identity keys it happens to hold.
	hub.Publish(note(1, "hi"), "a@x.com", "a@x.com")
	if got := len(sub.C()); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("a@x.com")

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(note(1, "flood"), "a@x.com")
	}

	if hub.SubscriberCount("a@x.com") != 0 {
		t.Fatal("slow subscriber should have been dropped")
	}
	// The channel is closed on drop; draining must terminate.
	count := 0
	for range sub.C() {
		count++
	}
	if count != subscriberBuffer {
		t.Fatalf("expected %d buffered notifications, got %d", subscriberBuffer, count)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("a@x.com")
	hub.Unsubscribe(sub)
	if _, open := <-sub.C(); open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if hub.SubscriberCount("a@x.com") != 0 {
		t.Fatal("subscriber still registered after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	hub.Unsubscribe(sub)
}

func TestHub_EmptyKeySubscriptionIsInert(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil)
	sub := hub.Subscribe("   ")
	hub.Publish(note(1, "hi"), "")
	if len(sub.C()) != 0 {
		t.Fatal("empty-key subscription must not receive publishes")
	}
	hub.Unsubscribe(sub)
}
