package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/internal/core/tags/feed"
	"github.com/traitsync/traitsync/internal/core/trait"
)

func newRegistry(t *testing.T, provider tags.Provider) *trait.Registry {
	t.Helper()
	r := trait.NewRegistry(provider, trait.WithLogger(log.Nop()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func noopInitializer(*trait.Trait, entity.Entity) error { return nil }

// fakeTagService is the remote half for feed tests: it accepts one
// connection and exposes the frames it receives plus a way to push
// frames down to the client.
type fakeTagService struct {
	server   *httptest.Server
	received chan feed.Frame
	outbound chan feed.Frame
}

func newFakeTagService(t *testing.T) *fakeTagService {
	t.Helper()
	svc := &fakeTagService{
		received: make(chan feed.Frame, 16),
		outbound: make(chan feed.Frame, 16),
	}
	upgrader := websocket.Upgrader{}
	svc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for fr := range svc.outbound {
				if werr := conn.WriteJSON(fr); werr != nil {
					return
				}
			}
		}()
		for {
			var fr feed.Frame
			if rerr := conn.ReadJSON(&fr); rerr != nil {
				return
			}
			svc.received <- fr
		}
	}))
	t.Cleanup(svc.server.Close)
	return svc
}

func (s *fakeTagService) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func dialTestFeed(t *testing.T, svc *fakeTagService) *Feed {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := Dial(ctx, svc.url(), log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFeedDial(t *testing.T) {
	t.Run("Dial: unreachable endpoint fails", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, err := Dial(ctx, "ws://127.0.0.1:1/stream", log.Nop())
		require.Error(t, err)
	})
}

func TestFeedOutbound(t *testing.T) {
	t.Run("Outbound: local mutations reach the remote side", func(t *testing.T) {
		svc := newFakeTagService(t)
		f := dialTestFeed(t, svc)

		e := entity.NewBasicWithID("player-1")
		e.SetProperty("zone", "north")
		require.NoError(t, f.AddTag(e, "glowing"))

		select {
		case fr := <-svc.received:
			require.Equal(t, feed.OpAdd, fr.Op)
			require.Equal(t, "glowing", fr.Tag)
			require.Equal(t, "player-1", fr.EntityID)
			require.Equal(t, "north", fr.Properties["zone"])
		case <-time.After(2 * time.Second):
			t.Fatal("remote never received the frame")
		}

		// Local state is updated without waiting for an echo.
		tagged, err := f.ListTagged("glowing")
		require.NoError(t, err)
		require.Len(t, tagged, 1)
	})
}

func TestFeedInbound(t *testing.T) {
	t.Run("Inbound: remote frames fire listeners", func(t *testing.T) {
		svc := newFakeTagService(t)
		f := dialTestFeed(t, svc)

		added := make(chan entity.Entity, 4)
		_, err := f.OnTagAdded("glowing", func(e entity.Entity) { added <- e })
		require.NoError(t, err)

		svc.outbound <- feed.Frame{
			Op:         feed.OpAdd,
			Tag:        "glowing",
			EntityID:   "remote-1",
			Properties: map[string]any{"zone": "north"},
		}

		select {
		case e := <-added:
			require.Equal(t, entity.ID("remote-1"), e.ID())
		case <-time.After(2 * time.Second):
			t.Fatal("inbound frame never fired the listener")
		}
	})
}

func TestFeedClose(t *testing.T) {
	t.Run("Close: idempotent, stops the read loop, fails mutations", func(t *testing.T) {
		svc := newFakeTagService(t)
		f := dialTestFeed(t, svc)

		require.NoError(t, f.Close())
		require.NoError(t, f.Close())

		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("read loop did not stop")
		}
		require.ErrorIs(t, f.AddTag(entity.NewBasicWithID("e"), "glowing"), tags.ErrFeedClosed)
	})

	t.Run("Close: remote disconnect closes the feed", func(t *testing.T) {
		svc := newFakeTagService(t)
		f := dialTestFeed(t, svc)

		svc.server.CloseClientConnections()
		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("feed did not observe the disconnect")
		}
	})
}

func TestFeedEndToEnd(t *testing.T) {
	t.Run("EndToEnd: feed drives a trait registry", func(t *testing.T) {
		svc := newFakeTagService(t)
		f := dialTestFeed(t, svc)

		r := newRegistry(t, f)
		tr, err := r.Define("glowing", noopInitializer)
		require.NoError(t, err)

		svc.outbound <- feed.Frame{Op: feed.OpAdd, Tag: "glowing", EntityID: "remote-1"}
		require.Eventually(t, func() bool { return tr.IsAssociated("remote-1") },
			2*time.Second, 5*time.Millisecond)

		svc.outbound <- feed.Frame{Op: feed.OpRemove, Tag: "glowing", EntityID: "remote-1"}
		require.Eventually(t, func() bool { return !tr.IsAssociated("remote-1") },
			2*time.Second, 5*time.Millisecond)
	})
}
