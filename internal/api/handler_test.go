package api

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/cache"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/memory"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/storage/sqlite"
)

const (
	aliceKey = "key-alice"
	bobKey   = "key-bob"
	rootKey  = "key-root"
)

// newTestServer wires the full stack over an in-memory sqlite store:
// auth with one signing key and three static identities, a local cache,
// and both services behind the router.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	store, err := sqlite.Open(t.Context(), ":memory:", 1, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)

	seed := make([]byte, 32)
	rand.Read(seed)
	authSvc := auth.New(config.AuthConfig{
		SigningKeys:     []string{base64.StdEncoding.EncodeToString(seed)},
		TokenTTLSeconds: 3600,
		StaticKeys: []config.StaticKeyConfig{
			{Key: aliceKey, AgentID: "alice", AgentType: "agent"},
			{Key: bobKey, AgentID: "bob", AgentType: "agent"},
			{Key: rootKey, AgentID: "root", AgentType: "admin"},
		},
	}, store, logger)

	c := cache.NewLocal(256, logger)
	h := NewHandler(authSvc,
		session.New(store, c, 30*time.Second, logger),
		memory.New(store, c, 30*time.Second, logger),
		logger)

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, apiKey string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMissingCredential(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts, "POST", "/api/sessions", "", map[string]string{"purpose": "p"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, ts, "POST", "/api/sessions", "no-such-key", map[string]string{"purpose": "p"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, "POST", "/api/sessions", aliceKey, map[string]interface{}{
		"purpose":  "planning",
		"metadata": map[string]string{"team": "red"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var sess core.Session
	decodeJSON(t, resp, &sess)
	if sess.ID == "" || sess.CreatedBy != "alice" {
		t.Fatalf("session = %+v", sess)
	}

	resp = doJSON(t, ts, "POST", "/api/sessions/"+sess.ID+"/messages", aliceKey, map[string]string{
		"content": "hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("message status = %d, want 201", resp.StatusCode)
	}
	var msg core.Message
	decodeJSON(t, resp, &msg)
	if msg.Seq != 1 || msg.Sender != "alice" {
		t.Errorf("message = %+v", msg)
	}

	resp = doJSON(t, ts, "GET", "/api/sessions/"+sess.ID+"/messages", bobKey, nil)
	var msgs []core.Message
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}

	resp = doJSON(t, ts, "GET", "/api/sessions/"+sess.ID+"/head", bobKey, nil)
	var head map[string]int64
	decodeJSON(t, resp, &head)
	if head["seq"] != 1 {
		t.Errorf("head = %+v", head)
	}

	resp = doJSON(t, ts, "POST", "/api/sessions/"+sess.ID+"/archive", bobKey, nil)
	var archived core.Session
	decodeJSON(t, resp, &archived)
	if archived.Status != core.SessionArchived {
		t.Errorf("archived session = %+v", archived)
	}

	// Appending to an archived session conflicts.
	resp = doJSON(t, ts, "POST", "/api/sessions/"+sess.ID+"/messages", aliceKey, map[string]string{
		"content": "too late",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("archived append status = %d, want 409", resp.StatusCode)
	}
}

func TestVisibilityOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, "POST", "/api/sessions", aliceKey, map[string]string{"purpose": "p"})
	var sess core.Session
	decodeJSON(t, resp, &sess)

	resp = doJSON(t, ts, "POST", "/api/sessions/"+sess.ID+"/messages", aliceKey, map[string]interface{}{
		"content":    "secret",
		"visibility": "private",
	})
	resp.Body.Close()

	resp = doJSON(t, ts, "GET", "/api/sessions/"+sess.ID+"/messages", bobKey, nil)
	var bobSees []core.Message
	decodeJSON(t, resp, &bobSees)
	if len(bobSees) != 0 {
		t.Errorf("bob sees %d private messages, want 0", len(bobSees))
	}

	resp = doJSON(t, ts, "GET", "/api/sessions/"+sess.ID+"/messages", aliceKey, nil)
	var aliceSees []core.Message
	decodeJSON(t, resp, &aliceSees)
	if len(aliceSees) != 1 {
		t.Errorf("alice sees %d messages, want 1", len(aliceSees))
	}
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, "GET", "/api/sessions/00000000-0000-0000-0000-000000000000", aliceKey, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, ts, "POST", "/api/sessions", aliceKey, map[string]string{})
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty purpose status = %d, want 400", resp.StatusCode)
	}
	if retryable, ok := body["retryable"].(bool); !ok || retryable {
		t.Errorf("validation errors must not be retryable: %+v", body)
	}
}

func TestMemoryOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, "PUT", "/api/memory", aliceKey, map[string]interface{}{
		"key":   "plan",
		"value": map[string]string{"step": "one"},
		"scope": "global",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, want 200", resp.StatusCode)
	}
	var entry core.MemoryEntry
	decodeJSON(t, resp, &entry)
	if entry.Owner != "alice" {
		t.Errorf("entry = %+v", entry)
	}

	resp = doJSON(t, ts, "GET", "/api/memory?scope=global&key=plan", bobKey, nil)
	decodeJSON(t, resp, &entry)
	if string(entry.Value) != `{"step":"one"}` {
		t.Errorf("value = %s", entry.Value)
	}

	// A non-owner overwrite of a live global entry is forbidden.
	resp = doJSON(t, ts, "PUT", "/api/memory", bobKey, map[string]interface{}{
		"key":   "plan",
		"value": map[string]string{"step": "two"},
		"scope": "global",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign overwrite status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, ts, "GET", "/api/memory/list?scope=global&prefix=pl", aliceKey, nil)
	var entries []core.MemoryEntry
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].Key != "plan" {
		t.Errorf("list = %+v", entries)
	}
}

func TestTokenIssuance(t *testing.T) {
	ts := newTestServer(t)

	// A plain agent cannot mint.
	resp := doJSON(t, ts, "POST", "/api/auth/token", aliceKey, map[string]string{
		"agent_id": "dogmeat", "agent_type": "agent",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin mint status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, ts, "POST", "/api/auth/token", rootKey, map[string]string{
		"agent_id": "dogmeat", "agent_type": "agent",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d, want 201", resp.StatusCode)
	}
	var minted map[string]string
	decodeJSON(t, resp, &minted)
	if minted["token"] == "" {
		t.Fatal("empty token")
	}

	// The minted token works as a bearer credential.
	req, _ := http.NewRequest("POST", ts.URL+"/api/sessions", bytes.NewReader([]byte(`{"purpose":"fetch"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+minted["token"])
	bearerResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	var sess core.Session
	decodeJSON(t, bearerResp, &sess)
	if bearerResp.StatusCode != http.StatusCreated || sess.CreatedBy != "dogmeat" {
		t.Errorf("bearer create: status %d, session %+v", bearerResp.StatusCode, sess)
	}
}
