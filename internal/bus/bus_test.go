package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunStarted, RunEvent{TraceID: "t1", ChatID: "telegram:1"})
	b.Publish(TopicTaskClaimed, TaskEvent{TaskID: 9}) // prefix mismatch, not delivered

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicRunStarted {
			t.Errorf("unexpected topic %q", ev.Topic)
		}
		re, ok := ev.Payload.(RunEvent)
		if !ok || re.TraceID != "t1" {
			t.Errorf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicWakeDetected, nil)
	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicWakeDetected {
			t.Errorf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicMessageEnqueued, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
