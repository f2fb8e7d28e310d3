package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicLeafCovered)
	defer b.Unsubscribe(sub)

	b.Publish(TopicLeafCovered, LeafEvent{LeafID: "leaf-1", RootAreaID: "root-1", Status: "covered"})

	ev := recv(t, sub)
	if ev.Topic != TopicLeafCovered {
		t.Fatalf("topic %q, want %q", ev.Topic, TopicLeafCovered)
	}
	payload, ok := ev.Payload.(LeafEvent)
	if !ok {
		t.Fatalf("payload type %T, want LeafEvent", ev.Payload)
	}
	if payload.LeafID != "leaf-1" {
		t.Fatalf("leaf id %q, want leaf-1", payload.LeafID)
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	extraction := b.Subscribe("extraction.")
	interview := b.Subscribe("interview.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(extraction)
	defer b.Unsubscribe(interview)

	b.Publish(TopicTaskEnqueued, TaskEvent{TaskID: "t1"})

	if ev := recv(t, all); ev.Topic != TopicTaskEnqueued {
		t.Fatalf("all-subscriber got %q", ev.Topic)
	}
	if ev := recv(t, extraction); ev.Topic != TopicTaskEnqueued {
		t.Fatalf("extraction subscriber got %q", ev.Topic)
	}
	select {
	case ev := <-interview.Ch():
		t.Fatalf("interview subscriber got unrelated event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count %d, want 0", b.SubscriberCount())
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)

	// Publishing with no subscribers must not panic.
	b.Publish(TopicTaskCompleted, TaskEvent{TaskID: "t2"})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskEnqueued, TaskEvent{TaskID: "spam"})
	}

	// Buffer holds exactly defaultBufferSize events; the rest were dropped
	// without blocking the publisher.
	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained != defaultBufferSize {
				t.Fatalf("drained %d events, want %d", drained, defaultBufferSize)
			}
			return
		}
	}
}
