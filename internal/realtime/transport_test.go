package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades, echoes one text frame, then closes with code.
func echoServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws, WSOpts{QueueSize: 4, PongWait: time.Second})
		data, err := conn.Read()
		if err != nil {
			conn.Close(websocket.CloseInternalServerErr, "read failed")
			return
		}
		_ = conn.Send(append([]byte("echo:"), data...))
		time.Sleep(50 * time.Millisecond)
		conn.Close(code, "bye")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSConn_EchoAndClose(t *testing.T) {
	req := require.New(t)
	srv := echoServer(t, CloseForbidden)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer client.Close()

	req.NoError(client.WriteMessage(websocket.TextMessage, []byte("ping")))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := client.ReadMessage()
	req.NoError(err)
	req.Equal(websocket.TextMessage, typ)
	req.Equal("echo:ping", string(data))

	_, _, err = client.ReadMessage()
	req.True(websocket.IsCloseError(err, CloseForbidden), "want close 4003, got %v", err)
}

func TestWSOpts_Defaults(t *testing.T) {
	req := require.New(t)

	var o WSOpts
	o.applyDefaults()
	req.Equal(128, o.QueueSize)
	req.Equal(10*time.Second, o.WriteWait)
	req.Equal(60*time.Second, o.PongWait)
	req.Equal(54*time.Second, o.PingPeriod)
	req.EqualValues(64<<10, o.ReadLimit)

	o = WSOpts{PongWait: time.Second, PingPeriod: 5 * time.Second}
	o.applyDefaults()
	req.Less(o.PingPeriod, o.PongWait)
}

func TestWSConn_SendAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			result <- err
			return
		}
		conn := NewWSConn(ws, WSOpts{})
		conn.Close(websocket.CloseNormalClosure, "")
		result <- conn.Send([]byte("late"))
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case err := <-result:
		require.ErrorIs(t, err, errTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}
