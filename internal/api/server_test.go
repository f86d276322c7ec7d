package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/node"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/syncer"
	"github.com/sosmesh/internal/websocket"
)

type fakeNode struct {
	sent      []json.RawMessage
	kinds     []models.Kind
	sendErr   error
	broadcast bool
	stats     outbox.Stats
	statsErr  error
	syncs     int
}

func (f *fakeNode) send(kind models.Kind, payload json.RawMessage) (node.SendResult, error) {
	f.sent = append(f.sent, payload)
	f.kinds = append(f.kinds, kind)
	res := node.SendResult{
		Message:   models.Message{ID: fmt.Sprintf("msg-%d", len(f.sent)), Kind: kind, Payload: payload},
		Broadcast: f.broadcast,
	}
	if f.sendErr == nil {
		res.Queued = true
		res.RecordID = "rec-1"
	}
	return res, f.sendErr
}

func (f *fakeNode) SendSOS(_ context.Context, p json.RawMessage) (node.SendResult, error) {
	return f.send(models.KindSOS, p)
}

func (f *fakeNode) SendChat(_ context.Context, p json.RawMessage) (node.SendResult, error) {
	return f.send(models.KindChat, p)
}

func (f *fakeNode) Sync(context.Context) (syncer.Result, bool) {
	f.syncs++
	return syncer.Result{Total: 2, Synced: 1, Failed: 1}, true
}

func (f *fakeNode) OutboxStats(context.Context) (outbox.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeNode) Status(context.Context) node.Status {
	st := node.Status{NodeID: "device-a", Online: true}
	if f.statsErr != nil {
		st.OutboxErr = f.statsErr.Error()
	}
	return st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSendSOS(t *testing.T) {
	n := &fakeNode{broadcast: true}
	h := New(n, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/sos", `{"text":"help","lat":12.5,"lng":77.25}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	resp := decode[sendResponse](t, rec)
	if !resp.Queued || resp.Message.ID != "msg-1" || resp.Warning != "" {
		t.Errorf("response = %+v", resp)
	}
	var payload map[string]any
	json.Unmarshal(n.sent[0], &payload)
	if payload["text"] != "help" || payload["lat"] != 12.5 || payload["lng"] != 77.25 {
		t.Errorf("payload = %s", n.sent[0])
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestSendSOSValidation(t *testing.T) {
	h := New(&fakeNode{}, nil, nil, nil).Handler()
	for _, body := range []string{`{}`, `{"lat":1}`, `not json`, `{"payload":{broken}`,
		`{"payload":"{broken"}`, `{"payload":[1,2]}`, `{"payload":null,"lat":1}`} {
		if rec := do(t, h, http.MethodPost, "/sos", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/sos", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /sos status = %d", rec.Code)
	}
}

func TestSendSOSWithObjectPayload(t *testing.T) {
	n := &fakeNode{broadcast: true}
	h := New(n, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/sos", `{"payload":{"text":"stuck","floor":3}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if string(n.sent[0]) != `{"text":"stuck","floor":3}` {
		t.Errorf("payload = %s", n.sent[0])
	}
}

func TestSendStorageFailure(t *testing.T) {
	n := &fakeNode{broadcast: true, sendErr: fmt.Errorf("%w: disk full", outbox.ErrStorageFailure)}
	h := New(n, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/sos", `{"text":"help"}`)
	if rec.Code != http.StatusAccepted || decode[sendResponse](t, rec).Warning == "" {
		t.Errorf("broadcast-only send: status=%d body=%s", rec.Code, rec.Body)
	}

	n.broadcast = false
	if rec := do(t, h, http.MethodPost, "/chat", `{"text":"hi"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("send that went nowhere: status = %d", rec.Code)
	}
	if n.kinds[1] != models.KindChat {
		t.Errorf("kinds = %v", n.kinds)
	}
}

func TestSyncAndStats(t *testing.T) {
	n := &fakeNode{stats: outbox.Stats{PendingCount: 3, SyncedCount: 1}}
	h := New(n, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/sync", "")
	if got := decode[syncResponse](t, rec); !got.Ran || got.Synced != 1 || got.Failed != 1 {
		t.Errorf("sync response = %+v", got)
	}
	rec = do(t, h, http.MethodGet, "/outbox/stats", "")
	if got := decode[outbox.Stats](t, rec); got.PendingCount != 3 {
		t.Errorf("stats = %+v", got)
	}

	n.statsErr = errors.New("database is locked")
	if rec := do(t, h, http.MethodGet, "/outbox/stats", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("stats failure status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestConnectivity(t *testing.T) {
	signal := syncer.NewSignal(false)
	h := New(&fakeNode{}, nil, signal, nil).Handler()

	rec := do(t, h, http.MethodPost, "/connectivity", `{"online":true}`)
	if rec.Code != http.StatusOK || !signal.Online() {
		t.Errorf("status=%d online=%v", rec.Code, signal.Online())
	}
	if rec := do(t, h, http.MethodPost, "/connectivity", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing field status = %d", rec.Code)
	}

	probed := New(&fakeNode{}, nil, nil, nil).Handler()
	if rec := do(t, probed, http.MethodPost, "/connectivity", `{"online":true}`); rec.Code != http.StatusConflict {
		t.Errorf("probe-driven node status = %d", rec.Code)
	}
}

func TestWebSocketStats(t *testing.T) {
	h := New(&fakeNode{}, nil, nil, nil).Handler()
	if got := decode[map[string]any](t, do(t, h, http.MethodGet, "/ws/stats", "")); got["status"] != "unavailable" {
		t.Errorf("stats without hub = %v", got)
	}
	if rec := do(t, h, http.MethodGet, "/ws", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ws without hub status = %d", rec.Code)
	}

	hub := websocket.NewHub(nil)
	go hub.Run()
	defer hub.Stop()
	h = New(&fakeNode{}, hub, nil, nil).Handler()
	if got := decode[map[string]any](t, do(t, h, http.MethodGet, "/ws/stats", "")); got["status"] != "active" {
		t.Errorf("stats with hub = %v", got)
	}
}

func TestOptionsPreflight(t *testing.T) {
	h := New(&fakeNode{}, nil, nil, nil).Handler()
	if rec := do(t, h, http.MethodOptions, "/sos", ""); rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
}
