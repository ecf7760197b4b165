package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/editor"
	"collabedit/session"
	"collabedit/transport"
)

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) add(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(msg))
}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func wsURL(srv *httptest.Server, session string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + session
}

func dial(t *testing.T, srv *httptest.Server, session string) (*transport.WS, *sink) {
	t.Helper()
	ws, err := transport.DialWS(wsURL(srv, session))
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	s := &sink{}
	ws.Subscribe(s.add)
	return ws, s
}

func TestFanOut(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Router())
	defer srv.Close()

	a, sinkA := dial(t, srv, "s1")
	_, sinkB := dial(t, srv, "s1")
	_, sinkC := dial(t, srv, "s2")

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	require.NoError(t, a.Send([]byte("three")))

	want := []string{"one", "two", "three"}
	require.Eventually(t, func() bool {
		return len(sinkB.got()) == 3 && len(sinkA.got()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sinkB.got(), "frames arrive in send order")
	assert.Equal(t, want, sinkA.got(), "the sender hears its own frames back")
	assert.Empty(t, sinkC.got(), "sessions are isolated")
}

func TestSummaryEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Router())
	defer srv.Close()

	a, _ := dial(t, srv, "alpha")
	dial(t, srv, "alpha")
	dial(t, srv, "beta")
	require.NoError(t, a.Send([]byte("x")))

	require.Eventually(t, func() bool {
		infos := fetchSessions(t, srv)
		if len(infos) != 2 {
			return false
		}
		return infos[0].Clients == 2 && infos[1].Clients == 1
	}, 2*time.Second, 10*time.Millisecond)

	infos := fetchSessions(t, srv)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "beta", infos[1].Name)
	assert.False(t, infos[0].LastActivity.IsZero(), "traffic stamps the session")
}

func TestEmptyRoomsAreReaped(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Router())
	defer srv.Close()

	a, err := transport.DialWS(wsURL(srv, "ephemeral"))
	require.NoError(t, err)
	b, err := transport.DialWS(wsURL(srv, "ephemeral"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		infos := fetchSessions(t, srv)
		return len(infos) == 1 && infos[0].Clients == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	// The last departure releases the room entirely.
	require.Eventually(t, func() bool {
		return len(fetchSessions(t, srv)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The name is reusable afterwards.
	c, sinkC := dial(t, srv, "ephemeral")
	require.NoError(t, c.Send([]byte("fresh")))
	require.Eventually(t, func() bool {
		return len(sinkC.got()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func fetchSessions(t *testing.T, srv *httptest.Server) []SessionInfo {
	t.Helper()
	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	return infos
}

// Two full sessions collaborating through the relay: presence propagates and
// concurrent buffers converge over a real WebSocket path.
func TestSessionsThroughRelay(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Router())
	defer srv.Close()

	newPeer := func(id string) (*session.Session, *editor.TextBuffer) {
		ws, err := transport.DialWS(wsURL(srv, "proj"))
		require.NoError(t, err)
		s, err := session.New(session.Config{
			ProjectID: "proj",
			Self:      session.Identity{ID: id, DisplayName: id},
			Transport: ws,
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		buf := editor.NewTextBuffer("base")
		require.NoError(t, s.OpenFile("/main.go", buf))
		return s, buf
	}

	a, bufA := newPeer("alice")
	b, bufB := newPeer("bob")

	require.Eventually(t, func() bool {
		_, okA := a.Registry().Get("bob")
		_, okB := b.Registry().Get("alice")
		return okA && okB
	}, 2*time.Second, 10*time.Millisecond, "presence crosses the relay")

	bufA.Apply(editor.Edit{Offset: 4, Insert: "!"})
	require.Eventually(t, func() bool {
		return bufB.Text() == "base!"
	}, 2*time.Second, 10*time.Millisecond)

	bufB.Apply(editor.Edit{Offset: 0, Delete: 4, Insert: "BASE"})
	require.Eventually(t, func() bool {
		return bufA.Text() == "BASE!" && bufB.Text() == "BASE!"
	}, 2*time.Second, 10*time.Millisecond, "both replicas converge")
}
