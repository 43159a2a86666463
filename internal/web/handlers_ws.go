package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"smart-switch-home/internal/events"
)

// feedMessage is the JSON frame sent to websocket subscribers.
type feedMessage struct {
	Type  string      `json:"type"`
	Owner string      `json:"owner,omitempty"`
	Panel string      `json:"panel,omitempty"`
	Data  interface{} `json:"data"`
}

// subscriber is one websocket connection. owner is the device whose
// panel it shows; "" watches every device.
type subscriber struct {
	conn  *websocket.Conn
	out   chan []byte
	owner string
}

// LiveFeed fans bus events out to websocket subscribers, indexed by the
// device they watch. Events that name no device reach everyone.
type LiveFeed struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byOwner map[string]map[*subscriber]struct{}

	join   chan *subscriber
	leave  chan *subscriber
	events chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

// NewLiveFeed creates a feed. Run must be started before subscribers join.
func NewLiveFeed(logger *slog.Logger) *LiveFeed {
	return &LiveFeed{
		logger:  logger,
		byOwner: make(map[string]map[*subscriber]struct{}),
		join:    make(chan *subscriber),
		leave:   make(chan *subscriber),
		events:  make(chan events.Event, 256),
		done:    make(chan struct{}),
	}
}

// Run owns subscriber bookkeeping until Stop.
func (f *LiveFeed) Run() {
	for {
		select {
		case <-f.done:
			f.mu.Lock()
			for owner, subs := range f.byOwner {
				for sub := range subs {
					close(sub.out)
				}
				delete(f.byOwner, owner)
			}
			f.mu.Unlock()
			return

		case sub := <-f.join:
			f.mu.Lock()
			subs := f.byOwner[sub.owner]
			if subs == nil {
				subs = make(map[*subscriber]struct{})
				f.byOwner[sub.owner] = subs
			}
			subs[sub] = struct{}{}
			f.mu.Unlock()
			f.logger.Debug("ws subscriber joined", "owner", sub.owner, "total", f.Len())

		case sub := <-f.leave:
			f.mu.Lock()
			f.dropLocked(sub)
			f.mu.Unlock()
			f.logger.Debug("ws subscriber left", "owner", sub.owner, "total", f.Len())

		case event := <-f.events:
			f.deliver(event)
		}
	}
}

// deliver sends one event to its audience and evicts subscribers whose
// buffer is full.
func (f *LiveFeed) deliver(event events.Event) {
	msg := toFeedMessage(event)
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var slow []*subscriber
	send := func(subs map[*subscriber]struct{}) {
		for sub := range subs {
			select {
			case sub.out <- data:
			default:
				slow = append(slow, sub)
			}
		}
	}
	if msg.Owner == "" {
		for _, subs := range f.byOwner {
			send(subs)
		}
	} else {
		send(f.byOwner[""])
		send(f.byOwner[msg.Owner])
	}

	for _, sub := range slow {
		f.dropLocked(sub)
		f.logger.Warn("ws subscriber evicted (too slow)", "owner", sub.owner)
	}
}

// dropLocked removes sub and closes its channel. Unknown subscribers are
// ignored. f.mu must be held.
func (f *LiveFeed) dropLocked(sub *subscriber) {
	subs, ok := f.byOwner[sub.owner]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.out)
	if len(subs) == 0 {
		delete(f.byOwner, sub.owner)
	}
}

// Len returns the number of connected subscribers.
func (f *LiveFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, subs := range f.byOwner {
		n += len(subs)
	}
	return n
}

// Stop shuts the feed down and closes every subscriber. Safe to call twice.
func (f *LiveFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

// Publish queues an event without blocking the bus; it is dropped when
// the queue is full.
func (f *LiveFeed) Publish(event events.Event) {
	select {
	case f.events <- event:
	default:
		f.logger.Warn("ws feed queue full, dropping event", "type", event.Type)
	}
}

// toFeedMessage lifts the device and panel an event is about to the top
// of the frame so the browser can filter without knowing every payload.
func toFeedMessage(event events.Event) feedMessage {
	msg := feedMessage{Type: event.Type, Data: event.Data}
	switch d := event.Data.(type) {
	case events.MembershipChange:
		msg.Owner, msg.Panel = d.Owner, d.Panel
	case events.StateChange:
		msg.Owner = d.DeviceID
	}
	return msg
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := &subscriber{
		conn:  conn,
		out:   make(chan []byte, 64),
		owner: r.URL.Query().Get("owner"),
	}

	select {
	case s.feed.join <- sub:
	case <-s.feed.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(sub)
	s.wsReadLoop(sub)
}

func (s *Server) wsWriteLoop(sub *subscriber) {
	for msg := range sub.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sub.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadLoop discards client frames; it exists to notice disconnects.
func (s *Server) wsReadLoop(sub *subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		select {
		case s.feed.leave <- sub:
		case <-s.feed.done:
			sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	go func() {
		select {
		case <-s.feed.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			return
		}
	}
}
