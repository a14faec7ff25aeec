package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/internal/core/tags/feed"
)

// Feed is a tags.Provider backed by a WebSocket connection to a remote
// tag service. Outbound mutations are written as JSON frames; inbound
// frames update the local mirror and fan out to listeners.
// Reconnection is the caller's concern: once the connection drops the
// feed is closed.
type Feed struct {
	*feed.Mirror

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  int32
	logger  log.Log
	done    chan struct{}
}

var _ tags.Provider = (*Feed)(nil)

// Dial connects to a remote tag feed at a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, logger log.Log) (*Feed, error) {
	if logger == nil {
		logger = log.Provide()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	f := &Feed{
		conn:   conn,
		logger: logger.With(log.String("feed", "websocket"), log.String("url", url)),
		done:   make(chan struct{}),
	}
	f.Mirror = feed.NewMirror(f.send, f.logger)

	f.logger.Info("tag feed connected",
		log.String("remote_addr", conn.RemoteAddr().String()))
	go f.readLoop()
	return f, nil
}

// Done is closed when the read loop stops.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close shuts the connection and the mirror down. Idempotent.
func (f *Feed) Close() error {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return nil
	}
	err := f.conn.Close()
	_ = f.Mirror.Close()
	return err
}

func (f *Feed) send(fr feed.Frame) error {
	if atomic.LoadInt32(&f.closed) == 1 {
		return tags.ErrFeedClosed
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteJSON(fr)
}

func (f *Feed) readLoop() {
	defer close(f.done)
	for {
		var fr feed.Frame
		if err := f.conn.ReadJSON(&fr); err != nil {
			if atomic.LoadInt32(&f.closed) == 0 {
				f.logger.Warn("tag feed read failed", log.Error(err))
				_ = f.Close()
			}
			return
		}
		f.Apply(fr)
	}
}
