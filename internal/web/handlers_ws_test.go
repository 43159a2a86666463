package web

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"smart-switch-home/internal/events"
)

func startFeed(t *testing.T) *LiveFeed {
	t.Helper()
	f := NewLiveFeed(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	go f.Run()
	t.Cleanup(f.Stop)
	return f
}

func newSubscriber(owner string, buf int) *subscriber {
	return &subscriber{out: make(chan []byte, buf), owner: owner}
}

func membershipEvent(owner string) events.Event {
	return events.Event{Type: events.MembershipChanged, Data: events.MembershipChange{
		Panel: "triggers", Owner: owner, Op: "add", DeviceID: "7", Members: []string{"7"},
	}}
}

// settle gives the feed goroutine time to process queued work.
func settle() { time.Sleep(10 * time.Millisecond) }

func TestLiveFeedJoinLeave(t *testing.T) {
	f := startFeed(t)

	a := newSubscriber("12", 4)
	b := newSubscriber("", 4)
	f.join <- a
	f.join <- b
	settle()
	if got := f.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	f.leave <- a
	settle()
	if got := f.Len(); got != 1 {
		t.Errorf("Len after leave = %d, want 1", got)
	}
	if _, ok := <-a.out; ok {
		t.Error("left subscriber's channel should be closed")
	}

	f.mu.RLock()
	_, bucket := f.byOwner["12"]
	f.mu.RUnlock()
	if bucket {
		t.Error("empty owner bucket should be removed")
	}
}

func TestLiveFeedFrame(t *testing.T) {
	f := startFeed(t)

	sub := newSubscriber("", 4)
	f.join <- sub
	settle()

	f.Publish(membershipEvent("12"))
	settle()

	select {
	case raw := <-sub.out:
		var got struct {
			Type  string                  `json:"type"`
			Owner string                  `json:"owner"`
			Panel string                  `json:"panel"`
			Data  events.MembershipChange `json:"data"`
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != events.MembershipChanged || got.Owner != "12" || got.Panel != "triggers" {
			t.Errorf("frame = %s", raw)
		}
		if len(got.Data.Members) != 1 || got.Data.Members[0] != "7" {
			t.Errorf("data.members = %v, want [7]", got.Data.Members)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
}

func TestLiveFeedAudience(t *testing.T) {
	f := startFeed(t)

	mine := newSubscriber("12", 8)
	other := newSubscriber("40", 8)
	all := newSubscriber("", 8)
	for _, s := range []*subscriber{mine, other, all} {
		f.join <- s
	}
	settle()

	f.Publish(membershipEvent("12"))
	f.Publish(events.Event{Type: events.StateChanged, Data: events.StateChange{DeviceID: "40", Variable: "Status", Value: "1"}})
	f.Publish(events.Event{Type: events.InventoryLoaded, Data: map[string]int{"devices": 4}})
	settle()

	tests := []struct {
		name string
		sub  *subscriber
		want int
	}{
		{"owner 12", mine, 2},  // own change + inventory
		{"owner 40", other, 2}, // own state + inventory
		{"everything", all, 3},
	}
	for _, tt := range tests {
		if got := len(tt.sub.out); got != tt.want {
			t.Errorf("%s received %d frames, want %d", tt.name, got, tt.want)
		}
	}
}

func TestToFeedMessage(t *testing.T) {
	tests := []struct {
		event        events.Event
		owner, panel string
	}{
		{membershipEvent("12"), "12", "triggers"},
		{events.Event{Type: events.StateChanged, Data: events.StateChange{DeviceID: "3"}}, "3", ""},
		{events.Event{Type: events.InventoryLoaded}, "", ""},
	}
	for _, tt := range tests {
		msg := toFeedMessage(tt.event)
		if msg.Type != tt.event.Type || msg.Owner != tt.owner || msg.Panel != tt.panel {
			t.Errorf("toFeedMessage(%s) = %+v, want owner %q panel %q", tt.event.Type, msg, tt.owner, tt.panel)
		}
	}
}

func TestLiveFeedEvictsSlowSubscriber(t *testing.T) {
	f := startFeed(t)

	slow := newSubscriber("12", 1)
	fast := newSubscriber("12", 16)
	f.join <- slow
	f.join <- fast
	settle()

	f.Publish(membershipEvent("12"))
	f.Publish(membershipEvent("12"))
	settle()

	f.mu.RLock()
	_, slowPresent := f.byOwner["12"][slow]
	_, fastPresent := f.byOwner["12"][fast]
	f.mu.RUnlock()

	if slowPresent {
		t.Error("slow subscriber should have been evicted")
	}
	if !fastPresent {
		t.Error("fast subscriber should still be present")
	}
}

func TestLiveFeedPublishNeverBlocks(t *testing.T) {
	f := NewLiveFeed(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	// Not running: nothing drains the queue.
	for i := 0; i < cap(f.events); i++ {
		f.Publish(membershipEvent("12"))
	}

	done := make(chan struct{})
	go func() {
		f.Publish(membershipEvent("overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked on a full queue")
	}
}

func TestLiveFeedStop(t *testing.T) {
	f := startFeed(t)

	sub := newSubscriber("", 4)
	f.join <- sub
	settle()

	f.Stop()
	f.Stop()
	settle()

	if _, ok := <-sub.out; ok {
		t.Error("subscriber channel should be closed after Stop")
	}
}

func TestLiveFeedLeaveUnknown(t *testing.T) {
	f := startFeed(t)

	stranger := newSubscriber("12", 1)
	f.leave <- stranger
	settle()

	select {
	case stranger.out <- []byte("x"):
	default:
		t.Error("unknown subscriber's channel should be left open")
	}
}
