package events

import (
	"context"
	"testing"
	"time"

	"github.com/danshapiro/autodev/internal/store"
)

func testJob(status store.JobStatus) *store.Job {
	return &store.Job{
		ID:     "01JTESTJOB",
		Task:   "do the thing",
		Status: status,
	}
}

func TestViewOfProgress(t *testing.T) {
	cases := []struct {
		name             string
		status           store.JobStatus
		completed, total int
		want             float64
	}{
		{"half done", store.StatusRunning, 2, 4, 0.5},
		{"no steps yet", store.StatusRunning, 0, 0, 0},
		{"completed with zero steps", store.StatusCompleted, 0, 0, 1.0},
		{"all steps done", store.StatusCompleted, 3, 3, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ViewOf(testJob(tc.status), tc.completed, tc.total)
			if v.Progress != tc.want {
				t.Fatalf("progress = %v, want %v", v.Progress, tc.want)
			}
		})
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.PublishJob(context.Background(), JobUpdated, testJob(store.StatusRunning), 1, 2)

	select {
	case ev := <-ch:
		if ev.Type != JobUpdated {
			t.Fatalf("type = %q", ev.Type)
		}
		if ev.Payload.ID != "01JTESTJOB" || ev.Payload.Progress != 0.5 {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	// Never drain; fill the buffer past capacity.
	for i := 0; i < 70; i++ {
		b.PublishJob(context.Background(), JobUpdated, testJob(store.StatusRunning), i, 100)
	}

	// The channel must have been closed on overflow.
	n := 0
	for range ch {
		n++
	}
	if n == 0 || n > 64 {
		t.Fatalf("drained %d events from dropped client", n)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, unsub := b.Subscribe()
	unsub()
	unsub() // must not panic on double close
}

func TestPublishAfterClose(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe()
	b.Close()

	// No panic, no delivery.
	b.PublishJob(context.Background(), JobCompleted, testJob(store.StatusCompleted), 0, 0)
	if _, ok := <-ch; ok {
		t.Fatal("received event on closed bus")
	}

	// Subscribing after close yields a closed channel.
	ch2, unsub := b.Subscribe()
	defer unsub()
	if _, ok := <-ch2; ok {
		t.Fatal("late subscriber got an event")
	}
}
