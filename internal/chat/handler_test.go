package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-relay/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubValidator map[string]string

func (s stubValidator) ValidateToken(token string) (int, string, error) {
	if username, ok := s[token]; ok {
		return 1, username, nil
	}
	return 0, "", errors.New("invalid token")
}

type wsServer struct {
	*httptest.Server
	repo     *Repository
	registry *Registry
	hub      *Hub
}

func newWSServer(t *testing.T, opts HandlerOptions) *wsServer {
	t.Helper()
	log := zap.NewNop()
	repo := newTestRepository(t)
	registry := NewRegistry(log)
	hub := NewHub(repo, registry, NewLocalFanout(registry), log, HubOptions{
		Now: func() time.Time { return fixedNow },
	})
	h := NewHandler(hub, repo, log, opts)
	auth := middleware.NewAuthMiddleware(stubValidator{"good-token": "alice"})

	r := chi.NewRouter()
	r.With(auth.Optional).Get("/ws", h.ServeWs)
	r.Get("/api/messages", h.GetChatHistory)
	r.Get("/api/messages/{id}/audio", h.GetAudio)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &wsServer{Server: srv, repo: repo, registry: registry, hub: hub}
}

func (s *wsServer) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *wsServer) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.registry.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func readText(t *testing.T, conn *websocket.Conn) TextEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	var ev TextEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHandler_TextRoundTripWithPlainUsername(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowedOrigins: []string{"*"}, AllowPlainUsername: true})

	u1 := s.dial(t, "?username=u1", nil)
	u2 := s.dial(t, "?username=u2", nil)
	s.waitClients(t, 2)

	req.NoError(u1.WriteMessage(websocket.TextMessage, []byte("hi")))

	ev := readText(t, u1)
	req.Equal("text", ev.Type)
	req.Equal("hi", ev.Payload)
	req.Equal("u1", ev.Author)
	req.Equal("1:02:03 PM", ev.Time)
	req.NotEmpty(ev.ID)
	req.Equal(ev, readText(t, u2))
}

func TestHandler_AudioRoundTrip(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowPlainUsername: true})

	u1 := s.dial(t, "?username=u1", nil)
	s.waitClients(t, 1)
	req.NoError(u1.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	req.NoError(u1.SetReadDeadline(time.Now().Add(2 * time.Second)))
	mt, frame, err := u1.ReadMessage()
	req.NoError(err)
	req.Equal(websocket.BinaryMessage, mt)

	header, audio, err := DecodeAudio(frame)
	req.NoError(err)
	req.Equal(AudioHeader{Type: "audio", Author: "u1", Time: "1:02:03 PM"}, header)
	req.Equal([]byte{0x01, 0x02}, audio)
}

func TestHandler_ReplaysHistoryOnJoin(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowPlainUsername: true})

	u1 := s.dial(t, "?username=u1", nil)
	s.waitClients(t, 1)
	req.NoError(u1.WriteMessage(websocket.TextMessage, []byte("a")))
	first := readText(t, u1)

	u2 := s.dial(t, "?username=u2", nil)
	req.Equal(first, readText(t, u2))
}

func TestHandler_RejectsMissingIdentityWithCloseFrame(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowPlainUsername: true})

	conn := s.dial(t, "", nil)
	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	req.ErrorAs(err, &closeErr)
	req.Equal(websocket.ClosePolicyViolation, closeErr.Code)
	req.Equal(ErrMissingIdentity.Error(), closeErr.Text)
	req.Zero(s.registry.Len())
}

func TestHandler_PlainUsernameIgnoredUnlessAllowed(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{})

	conn := s.dial(t, "?username=mallory", nil)
	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestHandler_TokenIdentityWins(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowPlainUsername: true})

	conn := s.dial(t, "?token=good-token&username=mallory", nil)
	s.waitClients(t, 1)
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	req.Equal("alice", readText(t, conn).Author)
}

func TestHandler_OriginAllowList(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowedOrigins: []string{"https://chat.example.com"}, AllowPlainUsername: true})
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?username=u1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	req.Error(err)
	req.Equal(http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn := s.dial(t, "?username=u1", http.Header{"Origin": {"https://chat.example.com"}})
	req.NotNil(conn)
	s.waitClients(t, 1)
}

func TestHandler_GetChatHistory(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{AllowPlainUsername: true})

	resp, err := http.Get(s.URL + "/api/messages")
	req.NoError(err)
	var empty []Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&empty))
	_ = resp.Body.Close()
	req.NotNil(empty)
	req.Empty(empty)

	u1 := s.dial(t, "?username=u1", nil)
	s.waitClients(t, 1)
	req.NoError(u1.WriteMessage(websocket.TextMessage, []byte("a")))
	readText(t, u1)

	resp, err = http.Get(s.URL + "/api/messages")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal("application/json", resp.Header.Get("Content-Type"))

	var msgs []Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&msgs))
	req.Len(msgs, 1)
	req.Equal("a", msgs[0].Text)
	req.Equal("u1", msgs[0].Author)
}

func TestHandler_GetAudio(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t, HandlerOptions{})
	ctx := t.Context()

	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	audioID, err := s.repo.Append(ctx, Message{Kind: KindAudio, Audio: wav, Author: "u1", Timestamp: "t"})
	req.NoError(err)
	textID, err := s.repo.Append(ctx, Message{Kind: KindText, Text: "hi", Author: "u1", Timestamp: "t"})
	req.NoError(err)

	resp, err := http.Get(s.URL + "/api/messages/" + string(audioID) + "/audio")
	req.NoError(err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	req.NoError(err)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("audio/wav", resp.Header.Get("Content-Type"))
	req.Equal(wav, body)

	for _, id := range []string{string(textID), "999", "abc"} {
		resp, err := http.Get(s.URL + "/api/messages/" + id + "/audio")
		req.NoError(err)
		_ = resp.Body.Close()
		req.Equal(http.StatusNotFound, resp.StatusCode, id)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"chat.example.com:3000", "https://other.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	require.True(t, check(r))

	r.Header.Set("Origin", "http://chat.example.com:3000")
	require.True(t, check(r))

	r.Header.Set("Origin", "https://OTHER.example.com")
	require.True(t, check(r))

	r.Header.Set("Origin", "https://chat.example.com")
	require.False(t, check(r))
}
