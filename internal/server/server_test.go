package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneah/infyemailer-sub009/internal/auth"
	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	hub := collab.NewHub(nil, nil, logger)
	ts := httptest.NewServer(New(hub, auth.NewSigner(testSecret), logger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(t *testing.T, ts *httptest.Server, templateID, token string) string {
	t.Helper()
	u, err := url.Parse("ws" + strings.TrimPrefix(ts.URL, "http") + "/ws")
	require.NoError(t, err)
	q := u.Query()
	q.Set("type", "collaboration")
	q.Set("templateId", templateID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func signToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.NewSigner(testSecret).Sign(auth.Claims{
		UserID:    userID,
		Name:      name,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

// join dials, registers, and returns the socket with initialState already
// consumed.
func join(t *testing.T, ts *httptest.Server, userID, name, templateID string) (*websocket.Conn, *collab.Envelope) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, ts, templateID, signToken(t, userID, name)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": collab.TypeRegister}))
	init := readEnv(t, conn)
	require.Equal(t, collab.TypeInitialState, init.Type)
	return conn, init
}

func readEnv(t *testing.T, conn *websocket.Conn) *collab.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := collab.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestUpgradeRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		url  string
	}{
		{"garbage token", wsURL(t, ts, "T1", "garbage")},
		{"wrong secret", wsURL(t, ts, "T1", func() string {
			tok, _ := auth.NewSigner("other").Sign(auth.Claims{UserID: "u1"})
			return tok
		}())},
		{"missing template", wsURL(t, ts, "", signToken(t, "u1", "Ada"))},
		{"wrong channel type", strings.Replace(wsURL(t, ts, "T1", signToken(t, "u1", "Ada")), "type=collaboration", "type=chat", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if conn != nil {
				conn.Close()
			}
			assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	token, err := auth.NewSigner(testSecret).Sign(auth.Claims{
		UserID:    "u1",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, ts, "T1", token), nil)
	if conn != nil {
		conn.Close()
	}
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

// Two clients join T1, a third joins T2. U1's change reaches U2 exactly once
// and never leaks into T2.
func TestChangeFanoutAcrossSockets(t *testing.T) {
	ts := newTestServer(t)

	u1, _ := join(t, ts, "u1", "Ada", "T1")
	u2, init2 := join(t, ts, "u2", "Grace", "T1")
	u3, _ := join(t, ts, "u3", "Lin", "T2")

	assert.Len(t, init2.Users, 2, "newcomer sees the whole room")

	note := readEnv(t, u1)
	assert.Equal(t, collab.TypeUserJoined, note.Type)

	require.NoError(t, u1.WriteJSON(map[string]any{
		"type":       collab.ChangeUpdate,
		"targetType": "element",
		"targetId":   "cta",
		"data":       map[string]string{"text": "Buy now"},
	}))

	got := readEnv(t, u2)
	assert.Equal(t, collab.ChangeUpdate, got.Type)
	assert.Equal(t, "cta", got.TargetID)
	require.NotNil(t, got.User)
	assert.Equal(t, "u1", got.User.ID)
	assert.Equal(t, int64(1), got.Version)

	// A follow-up marker arriving next proves the change came exactly once.
	require.NoError(t, u1.WriteJSON(map[string]any{
		"type":         collab.TypeEditEnded,
		"resourceType": "element",
		"resourceId":   "cta",
	}))
	got = readEnv(t, u2)
	assert.Equal(t, collab.TypeEditEnded, got.Type)

	// T2 saw none of it.
	u3.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := u3.ReadMessage()
	assert.Error(t, err, "no frames cross rooms")
}

// A malformed frame is dropped without tearing the session down.
func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	ts := newTestServer(t)

	u1, _ := join(t, ts, "u1", "Ada", "T1")
	u2, _ := join(t, ts, "u2", "Grace", "T1")
	readEnv(t, u1) // u2 joined

	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, u1.WriteJSON(map[string]any{
		"type":       collab.ChangeAdd,
		"targetType": "section",
		"targetId":   "s1",
		"data":       map[string]any{},
	}))

	got := readEnv(t, u2)
	assert.Equal(t, collab.ChangeAdd, got.Type, "valid frames still flow after a bad one")
}

// Closing a socket without a clean close handshake still unregisters the
// user.
func TestDroppedSocketLeavesRoom(t *testing.T) {
	ts := newTestServer(t)

	u1, _ := join(t, ts, "u1", "Ada", "T1")
	u2, _ := join(t, ts, "u2", "Grace", "T1")
	readEnv(t, u1) // u2 joined

	require.NoError(t, u2.Close())

	note := readEnv(t, u1)
	assert.Equal(t, collab.TypeUserLeft, note.Type)
	require.NotNil(t, note.User)
	assert.Equal(t, "u2", note.User.ID)
}

func TestStaleChangeGetsResyncSnapshot(t *testing.T) {
	ts := newTestServer(t)

	u1, _ := join(t, ts, "u1", "Ada", "T1")
	u2, _ := join(t, ts, "u2", "Grace", "T1")
	readEnv(t, u1) // u2 joined

	require.NoError(t, u1.WriteJSON(map[string]any{
		"type":       collab.ChangeUpdate,
		"targetType": "template",
		"data":       map[string]string{"rev": "a"},
	}))
	readEnv(t, u2)

	// u2 writes against the version it had before u1's edit.
	require.NoError(t, u2.WriteJSON(map[string]any{
		"type":       collab.ChangeUpdate,
		"targetType": "template",
		"data":       map[string]string{"rev": "b"},
	}))

	reply := readEnv(t, u2)
	assert.Equal(t, collab.TypeStaleChange, reply.Type)
	assert.Equal(t, int64(1), reply.Version)
	assert.JSONEq(t, `{"rev":"a"}`, string(reply.Data))
}
