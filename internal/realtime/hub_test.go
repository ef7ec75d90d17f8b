package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middletrust/escrowd/internal/wallet"
)

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	hub := NewHub(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.Header.Get("X-User-ID"))
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &hubFixture{hub: hub, server: server, cancel: cancel}
}

func (f *hubFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {userID}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == n
	}, time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	return &evt
}

func assertNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestEventsReachOnlyRecipients(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	waitForClients(t, f.hub, 2)

	f.hub.PublishTransactionUpdate(map[string]string{"id": "txn_1", "status": "completed"}, "alice")

	evt := readEvent(t, alice)
	assert.Equal(t, EventTransactionUpdate, evt.Type)
	assertNoEvent(t, bob)
}

func TestLedgerEventsRouteToOwner(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	waitForClients(t, f.hub, 1)

	f.hub.LedgerEvent(wallet.Event{
		OwnerID:   "alice",
		Type:      wallet.EntryDeposit,
		Amount:    5000,
		Reference: "FUND-txn_1",
		At:        time.Now(),
	})

	evt := readEvent(t, alice)
	assert.Equal(t, EventLedgerEntry, evt.Type)
}

func TestTransactionUpdateReachesBothParties(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	waitForClients(t, f.hub, 2)

	f.hub.PublishTransactionUpdate(map[string]string{"id": "txn_1"}, "alice", "bob")

	assert.Equal(t, EventTransactionUpdate, readEvent(t, alice).Type)
	assert.Equal(t, EventTransactionUpdate, readEvent(t, bob).Type)
}

func TestTypeFilter(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	waitForClients(t, f.hub, 1)

	require.NoError(t, alice.WriteJSON(subscribeMessage{Types: []EventType{EventDisputeUpdate}}))
	time.Sleep(50 * time.Millisecond) // let readPump apply the filter

	f.hub.PublishTransactionUpdate(map[string]string{"id": "txn_1"}, "alice")
	f.hub.PublishDisputeUpdate(map[string]string{"id": "dsp_1"}, "alice")

	evt := readEvent(t, alice)
	assert.Equal(t, EventDisputeUpdate, evt.Type)
}

func TestShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	waitForClients(t, f.hub, 1)

	f.cancel()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			return
		}
	}
}
