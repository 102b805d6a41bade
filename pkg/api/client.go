package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	defaultRetryDelay = 2 * time.Second
	maxRetryDelay     = 30 * time.Second
)

var newline = []byte{'\n'}

// PresenceSink receives whole presence snapshots. Implementations must not
// retain the map beyond replacing their own reference to it.
type PresenceSink interface {
	Replace(online map[string]bool)
}

// PresenceFeed is a middleman between the presence websocket and the chat
// core. It folds snapshot and update frames into a full mapping and hands a
// fresh copy to the sink after every frame.
type PresenceFeed struct {
	url    string
	dialer *websocket.Dialer
	sink   PresenceSink
	log    *zap.Logger

	// Current mapping, owned by the read loop.
	online map[string]bool

	retryDelay time.Duration
}

func NewPresenceFeed(url string, sink PresenceSink, log *zap.Logger) *PresenceFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceFeed{
		url:        url,
		dialer:     websocket.DefaultDialer,
		sink:       sink,
		log:        log,
		online:     map[string]bool{},
		retryDelay: defaultRetryDelay,
	}
}

// Run keeps the feed connected until ctx is cancelled, reconnecting with
// exponential backoff.
func (f *PresenceFeed) Run(ctx context.Context) error {
	if f.url == "" {
		return ErrNoPresenceURL
	}
	delay := f.retryDelay
	for {
		err := f.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			delay = f.retryDelay
		}
		f.log.Warn("presence feed disconnected", zap.Error(err), zap.Duration("retryIn", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (f *PresenceFeed) connect(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.log.Info("connected to presence feed", zap.String("url", f.url))

	done := make(chan struct{})
	defer close(done)
	go f.writePump(ctx, conn, done)

	return f.readPump(conn)
}

// readPump pumps frames from the websocket into the sink. There is at most
// one reader on a connection.
func (f *PresenceFeed) readPump(conn *websocket.Conn) error {
	defer func() {
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		// The server may batch several frames separated by newlines.
		for _, frame := range bytes.Split(message, newline) {
			frame = bytes.TrimSpace(frame)
			if len(frame) == 0 {
				continue
			}
			var event PresenceEvent
			if err := json.Unmarshal(frame, &event); err != nil {
				f.log.Debug("could not decode presence frame", zap.Error(err))
				continue
			}
			f.Apply(event)
		}
	}
}

// writePump keeps the connection alive and closes it when ctx is cancelled.
// It is the only writer on the connection.
func (f *PresenceFeed) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Apply folds one event into the mapping and publishes a new snapshot.
func (f *PresenceFeed) Apply(event PresenceEvent) {
	switch event.Type {
	case PresenceSnapshot:
		next := make(map[string]bool, len(event.Online))
		for id, online := range event.Online {
			if key := ToIdString(id); key != "" {
				next[key] = online
			}
		}
		f.online = next
	case PresenceUpdate:
		key := ToIdString(event.UserId)
		if key == "" {
			return
		}
		next := make(map[string]bool, len(f.online)+1)
		for id, online := range f.online {
			next[id] = online
		}
		next[key] = event.IsOnline
		f.online = next
	default:
		f.log.Debug("ignoring presence event", zap.String("type", event.Type))
		return
	}

	out := make(map[string]bool, len(f.online))
	for id, online := range f.online {
		out[id] = online
	}
	f.sink.Replace(out)
}

var ErrNoPresenceURL = errors.New("presence url is empty")
