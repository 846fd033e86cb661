package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veil/wire"
)

func dialPush(t *testing.T, ts *httptest.Server, id *testIdentity) *websocket.Conn {
	t.Helper()

	path := "/push/" + id.userID()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + path

	hdr := http.Header{}
	hdr.Set(headerSigningKey, id.userID())
	hdr.Set(headerSignature, id.sign(t, []byte(path)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	return ws
}

func readPush(t *testing.T, ws *websocket.Conn) wire.InboxMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	var msg wire.InboxMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestPushFlushesBacklogThenStreams(t *testing.T) {
	srv := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	alice, bob := newIdentity(t), newIdentity(t)

	// Queued before bob connects; flushed on connect.
	w := doJSON(t, srv.Router(), "POST", "/send", alice.envelopeTo(t, bob, "backlog", 10), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var backlog wire.SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &backlog))

	ws := dialPush(t, ts, bob)
	defer ws.CloseNow()

	first := readPush(t, ws)
	assert.Equal(t, backlog.ID, first.ID)

	// Sent while connected; streamed live.
	w = doJSON(t, srv.Router(), "POST", "/send", alice.envelopeTo(t, bob, "live", 20), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var live wire.SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))

	second := readPush(t, ws)
	assert.Equal(t, live.ID, second.ID)
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestPushDoesNotTombstone(t *testing.T) {
	srv := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	alice, bob := newIdentity(t), newIdentity(t)

	doJSON(t, srv.Router(), "POST", "/send", alice.envelopeTo(t, bob, "hello", 10), nil)

	ws := dialPush(t, ts, bob)
	pushed := readPush(t, ws)
	ws.CloseNow()

	// The pushed message is still fetchable: only an inbox fetch marks it
	// delivered.
	w := signedGET(t, srv.Router(), bob, "/inbox/"+bob.userID(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var inbox wire.InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, pushed.ID, inbox.Messages[0].ID)
}

func TestPushRequiresAuth(t *testing.T) {
	srv := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	bob := newIdentity(t)
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/push/" + bob.userID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, url, nil)
	assert.Error(t, err, "unauthenticated push connections must be refused")
}
