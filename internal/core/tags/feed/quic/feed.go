package quic

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/internal/core/tags/feed"
)

// alpnProtocol is the ALPN token the remote tag service must offer.
const alpnProtocol = "traitsync-tags/1"

// Config carries the dial parameters for a QUIC tag feed.
type Config struct {
	Addr       string
	ServerName string
	Insecure   bool
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// Feed is a tags.Provider backed by a single bidirectional QUIC stream
// carrying length-prefixed JSON frames. Same contract as the WebSocket
// feed: no reconnection, closed on first transport error.
type Feed struct {
	*feed.Mirror

	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
	closed  int32
	logger  log.Log
	done    chan struct{}
}

var _ tags.Provider = (*Feed)(nil)

// Dial connects to a remote tag feed over QUIC and opens the frame
// stream.
func Dial(ctx context.Context, cfg Config, logger log.Log) (*Feed, error) {
	if logger == nil {
		logger = log.Provide()
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if cfg.ServerName != "" {
		tlsConfig.ServerName = cfg.ServerName
	}
	if cfg.Insecure {
		tlsConfig.InsecureSkipVerify = true
	}
	tlsConfig.NextProtos = []string{alpnProtocol}

	quicConfig := cfg.QUICConfig
	if quicConfig == nil {
		quicConfig = &quic.Config{}
	}

	conn, err := quic.DialAddr(ctx, cfg.Addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, err
	}

	f := &Feed{
		conn:   conn,
		stream: stream,
		logger: logger.With(log.String("feed", "quic"), log.String("addr", cfg.Addr)),
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

// Close shuts the stream, the connection, and the mirror down.
// Idempotent.
func (f *Feed) Close() error {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return nil
	}
	_ = f.stream.Close()
	err := f.conn.CloseWithError(0, "feed closed")
	_ = f.Mirror.Close()
	return err
}

func (f *Feed) send(fr feed.Frame) error {
	if atomic.LoadInt32(&f.closed) == 1 {
		return tags.ErrFeedClosed
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return feed.WriteLengthPrefixed(f.stream, fr)
}

func (f *Feed) readLoop() {
	defer close(f.done)
	for {
		fr, err := feed.ReadLengthPrefixed(f.stream)
		if err != nil {
			if atomic.LoadInt32(&f.closed) == 0 {
				f.logger.Warn("tag feed read failed", log.Error(err))
				_ = f.Close()
			}
			return
		}
		f.Apply(fr)
	}
}
