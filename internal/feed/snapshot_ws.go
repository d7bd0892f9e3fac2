// Package feed ingests market snapshots from a websocket publisher and hands
// them to the watch loop through the snapshot cache and the signal bus.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// SnapshotHandler is called once per exchange snapshot received.
type SnapshotHandler func(ctx context.Context, snap domain.Snapshot)

// subscribeCommand is sent after every (re)connect.
type subscribeCommand struct {
	Type      string   `json:"type"`
	Exchanges []string `json:"exchanges,omitempty"`
}

// SnapshotFeed connects to a snapshot publisher, subscribes to the configured
// exchanges and invokes the handler for each snapshot. Every text frame is a
// snapshot document keyed by exchange id. It reconnects with exponential
// backoff on disconnect.
type SnapshotFeed struct {
	wsURL     string
	exchanges []string
	allowed   map[string]bool
	onSnap    SnapshotHandler
	logger    *slog.Logger

	reconnectDelay time.Duration
	closeOnce      sync.Once
	done           chan struct{}
}

// NewSnapshotFeed creates a feed. An empty exchanges list accepts every
// exchange the publisher sends.
func NewSnapshotFeed(wsURL string, exchanges []string, onSnap SnapshotHandler, logger *slog.Logger) *SnapshotFeed {
	allowed := make(map[string]bool, len(exchanges))
	for _, e := range exchanges {
		allowed[e] = true
	}
	return &SnapshotFeed{
		wsURL:          wsURL,
		exchanges:      exchanges,
		allowed:        allowed,
		onSnap:         onSnap,
		logger:         logger.With(slog.String("component", "snapshot_feed")),
		reconnectDelay: reconnectDelay,
		done:           make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled or Close is called.
func (f *SnapshotFeed) Run(ctx context.Context) error {
	if f.wsURL == "" {
		f.logger.Info("no feed url configured, exiting")
		return nil
	}
	delay := f.reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		received, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}
		if received {
			delay = f.reconnectDelay
		}
		f.logger.Warn("snapshot feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection serves one websocket session. It reports whether any
// snapshot was received so the caller can reset its backoff.
func (f *SnapshotFeed) runConnection(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(mt, data)
	}

	cmd, err := sonnet.Marshal(subscribeCommand{Type: "subscribe", Exchanges: f.exchanges})
	if err != nil {
		return false, fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	if err := write(websocket.TextMessage, cmd); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("snapshot feed subscribed", slog.Int("exchanges", len(f.exchanges)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-f.done:
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	received := false
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		if f.dispatch(ctx, msg) > 0 {
			received = true
		}
	}
}

// dispatch decodes one snapshot document and returns how many snapshots were
// handed to the handler. Malformed frames are logged and dropped.
func (f *SnapshotFeed) dispatch(ctx context.Context, msg []byte) int {
	snaps, err := domain.ParseSnapshotFile(msg)
	if err != nil {
		f.logger.Warn("dropping malformed snapshot frame", slog.String("error", err.Error()))
		return 0
	}
	n := 0
	for id, snap := range snaps {
		if len(f.allowed) > 0 && !f.allowed[id] {
			continue
		}
		if f.onSnap != nil {
			f.onSnap(ctx, snap)
		}
		n++
	}
	return n
}

// Close stops the feed.
func (f *SnapshotFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
