package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus/db"
	"campus/users"
)

type testServer struct {
	t   *testing.T
	srv *Server
	web *httptest.Server
}

// setupTestServer builds the full stack over a temporary database.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	srv, err := Build(database, Options{
		Server: Config{
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 2 * time.Second,
		},
		SessionSecret:  "test secret",
		SessionTTL:     time.Hour,
		SessionSliding: true,
		Hasher:         users.Bcrypt{Cost: 4},
	})
	require.NoError(t, err)

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.deps.Registry.CloseAll("")
		web.Close()
		database.Close()
	})
	return &testServer{t: t, srv: srv, web: web}
}

// sendRequest performs a JSON request and decodes the JSON response into out
// when out is non-nil.
func (ts *testServer) sendRequest(method, path, token string, body, out any) int {
	ts.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.web.URL+path, reader)
	require.NoError(ts.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type account struct {
	id, token string
}

func (ts *testServer) signup(username string) account {
	ts.t.Helper()
	var resp struct {
		User  struct{ ID string } `json:"user"`
		Token string              `json:"token"`
	}
	status := ts.sendRequest(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    username + "@campus.test",
		"username": username,
		"password": "password123",
	}, &resp)
	require.Equal(ts.t, http.StatusCreated, status)
	return account{id: resp.User.ID, token: resp.Token}
}

func (ts *testServer) openDM(a account, other account) string {
	ts.t.Helper()
	var ch struct{ ID string }
	status := ts.sendRequest(http.MethodPost, "/api/channels/dm", a.token, map[string]string{"userId": other.id}, &ch)
	require.Equal(ts.t, http.StatusOK, status)
	return ch.ID
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f frame) field(t *testing.T, key string) any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &data))
	return data[key]
}

// connect dials the gateway and consumes the connected frame.
func (ts *testServer) connect(a account) *websocket.Conn {
	ts.t.Helper()
	url := "ws" + strings.TrimPrefix(ts.web.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + a.token}})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { ws.Close() })

	f := readResponse(ts.t, ws)
	require.Equal(ts.t, "connected", f.Type)
	assert.Equal(ts.t, a.id, f.field(ts.t, "userId"))
	return ws
}

func readResponse(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func send(t *testing.T, ws *websocket.Conn, frameType string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": frameType, "data": data}))
}

func join(t *testing.T, ws *websocket.Conn, channelID string) {
	t.Helper()
	send(t, ws, "joinChannel", map[string]string{"channelId": channelID})
	f := readResponse(t, ws)
	require.Equal(t, "joined", f.Type)
}

func TestHandshakeRequiresSession(t *testing.T) {
	ts := setupTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.web.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPing(t *testing.T) {
	ts := setupTestServer(t)
	ws := ts.connect(ts.signup("alice"))

	send(t, ws, "ping", nil)
	assert.Equal(t, "pong", readResponse(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readResponse(t, ws)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "invalid frame", f.field(t, "reason"))
}

func TestDirectMessageHello(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob := ts.signup("alice"), ts.signup("bob")

	channelID := ts.openDM(alice, bob)
	assert.Equal(t, channelID, ts.openDM(bob, alice), "one dm channel per pair")

	aliceWS, bobWS := ts.connect(alice), ts.connect(bob)
	join(t, aliceWS, channelID)
	join(t, bobWS, channelID)

	send(t, aliceWS, "sendMessage", map[string]string{"channelId": channelID, "content": "hello"})

	for _, ws := range []*websocket.Conn{bobWS, aliceWS} {
		f := readResponse(t, ws)
		require.Equal(t, "messageReceived", f.Type)
		msg := f.field(t, "message").(map[string]any)
		assert.Equal(t, "hello", msg["content"])
		assert.Equal(t, alice.id, msg["senderId"])
		assert.Equal(t, channelID, msg["channelId"])
	}

	var listed struct {
		Messages []struct {
			Content  string `json:"content"`
			SenderID string `json:"senderId"`
		} `json:"messages"`
	}
	status := ts.sendRequest(http.MethodGet, "/api/channels/"+channelID+"/messages", bob.token, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed.Messages, 1)
	assert.Equal(t, "hello", listed.Messages[0].Content)
}

func TestDeliveryOrderMatchesSendOrder(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob := ts.signup("alice"), ts.signup("bob")
	channelID := ts.openDM(alice, bob)

	aliceWS, bobWS := ts.connect(alice), ts.connect(bob)
	join(t, bobWS, channelID)

	for _, content := range []string{"A1", "A2", "A3"} {
		send(t, aliceWS, "sendMessage", map[string]string{"channelId": channelID, "content": content})
	}

	for _, want := range []string{"A1", "A2", "A3"} {
		f := readResponse(t, bobWS)
		require.Equal(t, "messageReceived", f.Type)
		assert.Equal(t, want, f.field(t, "message").(map[string]any)["content"])
	}
}

func TestChannelReadsDoNotLeakExistence(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob, carol := ts.signup("alice"), ts.signup("bob"), ts.signup("carol")
	channelID := ts.openDM(alice, bob)

	var notMember, missing map[string]string
	s1 := ts.sendRequest(http.MethodGet, "/api/channels/"+channelID+"/messages", carol.token, nil, &notMember)
	s2 := ts.sendRequest(http.MethodGet, "/api/channels/does-not-exist/messages", carol.token, nil, &missing)

	assert.Equal(t, http.StatusForbidden, s1)
	assert.Equal(t, s1, s2)
	assert.Equal(t, notMember, missing)
	assert.Equal(t, "not allowed", missing["error"])

	ws := ts.connect(carol)
	send(t, ws, "joinChannel", map[string]string{"channelId": channelID})
	f := readResponse(t, ws)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "not allowed", f.field(t, "reason"))

	send(t, ws, "sendMessage", map[string]string{"channelId": channelID, "content": "sneaky"})
	assert.Equal(t, "not allowed", readResponse(t, ws).field(t, "reason"))
}

func TestFriendRequestNotifications(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob := ts.signup("alice"), ts.signup("bob")
	aliceWS, bobWS := ts.connect(alice), ts.connect(bob)

	status := ts.sendRequest(http.MethodPost, "/api/friends/request", alice.token, map[string]string{"userId": "bob"}, nil)
	require.Equal(t, http.StatusOK, status)

	f := readResponse(t, bobWS)
	require.Equal(t, "notification", f.Type)
	assert.Equal(t, "FRIEND_REQUEST", f.field(t, "type"))
	assert.Equal(t, alice.id, f.field(t, "fromUserId"))
	assert.Equal(t, "You have a new friend request.", f.field(t, "message"))

	status = ts.sendRequest(http.MethodPost, "/api/friends/request", alice.token, map[string]string{"userId": bob.id}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var rec struct {
		Friends []string `json:"friends"`
	}
	status = ts.sendRequest(http.MethodPost, "/api/friends/accept", bob.token, map[string]string{"userId": alice.id}, &rec)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{alice.id}, rec.Friends)

	f = readResponse(t, aliceWS)
	require.Equal(t, "notification", f.Type)
	assert.Equal(t, "FRIEND_REQUEST_ACCEPTED", f.field(t, "type"))
	assert.Equal(t, bob.id, f.field(t, "fromUserId"))

	status = ts.sendRequest(http.MethodPost, "/api/friends/request", alice.token, map[string]string{"userId": "nobody"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBlockClosesDirectChannel(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob := ts.signup("alice"), ts.signup("bob")
	channelID := ts.openDM(alice, bob)

	require.Equal(t, http.StatusOK, ts.sendRequest(http.MethodPost, "/api/friends/block", bob.token, map[string]string{"userId": alice.id}, nil))

	status := ts.sendRequest(http.MethodPost, "/api/channels/"+channelID+"/messages", alice.token, map[string]string{"content": "hi"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status = ts.sendRequest(http.MethodPost, "/api/channels/dm", alice.token, map[string]string{"userId": bob.id}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status = ts.sendRequest(http.MethodPost, "/api/friends/request", alice.token, map[string]string{"userId": bob.id}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestEditAndDeleteOwnership(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob := ts.signup("alice"), ts.signup("bob")
	channelID := ts.openDM(alice, bob)

	var m struct {
		ID     string `json:"id"`
		Edited bool   `json:"edited"`
	}
	status := ts.sendRequest(http.MethodPost, "/api/channels/"+channelID+"/messages", alice.token, map[string]string{"content": "draft"}, &m)
	require.Equal(t, http.StatusCreated, status)

	var foreign, missing struct {
		Error string `json:"error"`
	}
	status = ts.sendRequest(http.MethodPatch, "/api/messages/"+m.ID, bob.token, map[string]string{"content": "mine now"}, &foreign)
	assert.Equal(t, http.StatusForbidden, status)
	status = ts.sendRequest(http.MethodPatch, "/api/messages/no-such-id", bob.token, map[string]string{"content": "mine now"}, &missing)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not allowed", foreign.Error)
	assert.Equal(t, foreign, missing, "missing and foreign messages look alike")
	status = ts.sendRequest(http.MethodPatch, "/api/messages/"+m.ID, alice.token, map[string]string{"content": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status = ts.sendRequest(http.MethodPatch, "/api/messages/"+m.ID, alice.token, map[string]string{"content": "final"}, &m)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, m.Edited)

	assert.Equal(t, http.StatusForbidden, ts.sendRequest(http.MethodDelete, "/api/messages/"+m.ID, bob.token, nil, nil))
	assert.Equal(t, http.StatusNoContent, ts.sendRequest(http.MethodDelete, "/api/messages/"+m.ID, alice.token, nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.sendRequest(http.MethodDelete, "/api/messages/"+m.ID, alice.token, nil, nil))
}

func TestHistoryCursorMustBelongToChannel(t *testing.T) {
	ts := setupTestServer(t)
	alice, bob, carol := ts.signup("alice"), ts.signup("bob"), ts.signup("carol")
	withBob := ts.openDM(alice, bob)
	withCarol := ts.openDM(alice, carol)

	var m struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusCreated, ts.sendRequest(http.MethodPost, "/api/channels/"+withCarol+"/messages", alice.token, map[string]string{"content": "elsewhere"}, &m))
	require.Equal(t, http.StatusCreated, ts.sendRequest(http.MethodPost, "/api/channels/"+withBob+"/messages", alice.token, map[string]string{"content": "here"}, nil))

	var page struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	status := ts.sendRequest(http.MethodGet, "/api/channels/"+withBob+"/messages?limit=10", alice.token, nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Messages, 1)

	assert.Equal(t, http.StatusForbidden, ts.sendRequest(http.MethodGet, "/api/channels/"+withBob+"/messages?before="+m.ID, alice.token, nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.sendRequest(http.MethodGet, "/api/channels/"+withBob+"/messages?before=no-such-id", alice.token, nil, nil))
}

func TestLogoutClosesSockets(t *testing.T) {
	ts := setupTestServer(t)
	alice := ts.signup("alice")
	ws := ts.connect(alice)

	status := ts.sendRequest(http.MethodPost, "/api/auth/logout", alice.token, nil, nil)
	require.Equal(t, http.StatusOK, status)

	f := readResponse(t, ws)
	assert.Equal(t, "bye", f.Type)
	assert.Equal(t, "logout", f.field(t, "reason"))

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, http.StatusUnauthorized, ts.sendRequest(http.MethodGet, "/api/friends", alice.token, nil, nil))

	var sess map[string]string
	ts.sendRequest(http.MethodGet, "/api/auth/session", alice.token, nil, &sess)
	assert.Equal(t, "No active session.", sess["message"])
}

func TestLoginAndSession(t *testing.T) {
	ts := setupTestServer(t)
	alice := ts.signup("alice")

	var login struct {
		Token string `json:"token"`
	}
	status := ts.sendRequest(http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "alice@campus.test", "password": "password123",
	}, &login)
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, alice.token, login.Token)

	var sess map[string]string
	ts.sendRequest(http.MethodGet, "/api/auth/session", login.Token, nil, &sess)
	assert.Equal(t, alice.id, sess["userId"])

	status = ts.sendRequest(http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "alice", "password": "wrong-password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var exists map[string]bool
	ts.sendRequest(http.MethodPost, "/api/auth/exists", "", map[string]string{"identifier": "alice"}, &exists)
	assert.True(t, exists["exists"])
}

func TestShutdownSendsBye(t *testing.T) {
	ts := setupTestServer(t)
	ws := ts.connect(ts.signup("alice"))
	assert.Contains(t, ts.srv.GetStats(), "sockets=1,users=1")

	until := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	ts.srv.Shutdown("maintenance", until)

	f := readResponse(t, ws)
	assert.Equal(t, "bye", f.Type)
	assert.Equal(t, "maintenance", f.field(t, "reason"))
	assert.Equal(t, "2030-01-01T12:00:00Z", f.field(t, "until"))
	assert.Contains(t, ts.srv.GetStats(), "sockets=0,users=0")
}

func TestCookieSessionIsRefreshed(t *testing.T) {
	ts := setupTestServer(t)
	ts.signup("alice")

	body := strings.NewReader(`{"identifier":"alice","password":"password123"}`)
	resp, err := http.Post(ts.web.URL+"/api/auth/login", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	req, err := http.NewRequest(http.MethodGet, ts.web.URL+"/api/friends", nil)
	require.NoError(t, err)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	refreshed := resp.Cookies()
	require.Len(t, refreshed, 1)
	assert.Equal(t, cookies[0].Name, refreshed[0].Name)
	assert.Equal(t, int(time.Hour.Seconds()), refreshed[0].MaxAge)
}
