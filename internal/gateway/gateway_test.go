package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/agent"
	"github.com/jmerrifield20/genesis-proxy/internal/attestation"
	"github.com/jmerrifield20/genesis-proxy/internal/gateway"
	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/jmerrifield20/genesis-proxy/internal/health"
	"go.uber.org/zap"
)

const devKey = "s3cr3t"

// ── Stubs ────────────────────────────────────────────────────────────────

// recordingAgent checks, at the moment it is called, that the instruction it
// receives is already in the genesis log.
type recordingAgent struct {
	log   *genesislog.Store
	reply func(msg string) (*agent.Reply, error)

	mu         sync.Mutex
	calls      []string
	notLogged  []string
	hashAtCall []string
}

func (a *recordingAgent) Send(_ context.Context, msg string) (*agent.Reply, error) {
	records, _ := a.log.ReadAll()
	logged := false
	for _, r := range records {
		if r.Entry != nil && r.Entry.Type == genesislog.DevInstruction && r.Entry.Payload == msg {
			logged = true
		}
	}
	hash, _ := a.log.CurrentHash()

	a.mu.Lock()
	a.calls = append(a.calls, msg)
	a.hashAtCall = append(a.hashAtCall, hash)
	if !logged {
		a.notLogged = append(a.notLogged, msg)
	}
	a.mu.Unlock()

	if a.reply != nil {
		return a.reply(msg)
	}
	return &agent.Reply{Raw: json.RawMessage(`{"response":"pong"}`), Text: "pong"}, nil
}

func (a *recordingAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type countingQuoter struct {
	calls int32
	quote []byte
	err   error
}

func (q *countingQuoter) GenesisQuote(_ context.Context, src attestation.HashSource) ([]byte, error) {
	if _, ok := src.CurrentHash(); !ok {
		return nil, attestation.ErrNoHash
	}
	atomic.AddInt32(&q.calls, 1)
	return q.quote, q.err
}

type fixedHealth []health.TargetStatus

func (f fixedHealth) Snapshot() []health.TargetStatus { return f }

// ── Helpers ──────────────────────────────────────────────────────────────

func newStore(t *testing.T, content string) *genesislog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis-transcript.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return openStore(t, path)
}

func openStore(t *testing.T, path string) *genesislog.Store {
	t.Helper()
	s := genesislog.NewStore(path, genesislog.Options{RetryInterval: time.Hour, MaxRetries: 1}, zap.NewNop())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRouter(t *testing.T, deps gateway.Deps, opts gateway.Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Quoter == nil {
		deps.Quoter = &countingQuoter{quote: []byte(`{"quote":"q"}`)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return gateway.NewRouter(ctx, deps, opts, zap.NewNop())
}

func chat(r http.Handler, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func currentHash(t *testing.T, r http.Handler) any {
	t.Helper()
	w := get(r, "/genesis/hash")
	if w.Code != http.StatusOK {
		t.Fatalf("/genesis/hash: expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp["hash"]
}

// ── Chat ─────────────────────────────────────────────────────────────────

func TestChat_pingPongScenario(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

	h0 := currentHash(t, r)

	w := chat(r, "Bearer "+devKey, `{"message":"ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"response":"pong"}` {
		t.Errorf("reply: got %s", w.Body.String())
	}

	// Transcript gains exactly the instruction then the response.
	var transcript []genesislog.Record
	if err := json.Unmarshal(get(r, "/genesis").Body.Bytes(), &transcript); err != nil {
		t.Fatal(err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(transcript))
	}
	if e := transcript[0].Entry; e == nil || e.Type != genesislog.DevInstruction || e.Payload != "ping" {
		t.Errorf("first entry: %+v", transcript[0])
	}
	if e := transcript[1].Entry; e == nil || e.Type != genesislog.AgentResponse || e.Payload != "pong" {
		t.Errorf("second entry: %+v", transcript[1])
	}

	// The hash changed once before the agent call and once after.
	h1 := ag.hashAtCall[0]
	h2 := currentHash(t, r)
	if h1 == h0 || h2 == h1 || h2 == h0 {
		t.Errorf("hash should change on each append: %v → %v → %v", h0, h1, h2)
	}

	// An external verifier can reproduce the hash from /genesis/raw ...
	raw := get(r, "/genesis/raw")
	if got := genesislog.HashBytes(raw.Body.Bytes()); got != h2 {
		t.Errorf("hash of /genesis/raw: got %s, want %v", got, h2)
	}
	// ... and from the parsed /genesis transcript.
	var rebuilt bytes.Buffer
	for _, rec := range transcript {
		line, err := json.Marshal(rec.Entry)
		if err != nil {
			t.Fatal(err)
		}
		rebuilt.Write(line)
		rebuilt.WriteByte('\n')
	}
	if got := genesislog.HashBytes(rebuilt.Bytes()); got != h2 {
		t.Errorf("hash of rebuilt transcript: got %s, want %v", got, h2)
	}
}

func TestChat_instructionLoggedBeforeForwarding(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := chat(r, "Bearer "+devKey, fmt.Sprintf(`{"message":"instruction %d"}`, i))
			if w.Code != http.StatusOK {
				t.Errorf("chat %d: expected 200, got %d", i, w.Code)
			}
		}(i)
	}
	wg.Wait()

	if ag.callCount() != n {
		t.Fatalf("expected %d agent calls, got %d", n, ag.callCount())
	}
	if len(ag.notLogged) != 0 {
		t.Errorf("agent received instructions that were not yet logged: %v", ag.notLogged)
	}
	if log.Len() != 2*n {
		t.Errorf("expected %d entries, got %d", 2*n, log.Len())
	}
	records, _ := log.ReadAll()
	if u := genesislog.Unanswered(records); len(u) != 0 {
		t.Errorf("expected every instruction answered, got %v", u)
	}
}

func TestChat_unauthenticatedNeverAppends(t *testing.T) {
	cases := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"wrong key", "Bearer nope"},
		{"missing scheme", devKey},
		{"key prefix", "Bearer " + devKey[:3]},
		{"key with suffix", "Bearer " + devKey + "x"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := newStore(t, "")
			ag := &recordingAgent{log: log}
			r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})
			before, _ := log.CurrentHash()

			w := chat(r, tc.auth, `{"message":"ping"}`)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if log.Len() != 0 {
				t.Errorf("transcript length changed to %d", log.Len())
			}
			if after, _ := log.CurrentHash(); after != before {
				t.Error("hash changed on unauthenticated call")
			}
			if ag.callCount() != 0 {
				t.Error("agent was contacted")
			}
		})
	}
}

func TestChat_noDevKeyConfigured(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{})

	// "Bearer " with an empty key must not match an empty secret.
	w := chat(r, "Bearer ", `{"message":"ping"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if log.Len() != 0 || ag.callCount() != 0 {
		t.Error("chat without a configured key must not append or forward")
	}
}

func TestChat_invalidMessageNeverAppends(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"whitespace message", `{"message":"   \n\t"}`},
		{"missing message", `{}`},
		{"non-string message", `{"message":42}`},
		{"malformed json", `{"message":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := newStore(t, "")
			ag := &recordingAgent{log: log}
			r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

			w := chat(r, "Bearer "+devKey, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if log.Len() != 0 {
				t.Errorf("transcript length changed to %d", log.Len())
			}
			if ag.callCount() != 0 {
				t.Error("agent was contacted")
			}
		})
	}
}

func TestChat_agentFailureAppendsOnlyInstruction(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log, reply: func(string) (*agent.Reply, error) {
		return nil, errors.New("agent unreachable: connection refused")
	}}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

	w := chat(r, "Bearer "+devKey, `{"message":"ping"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("expected error message for the caller")
	}

	records, _ := log.ReadAll()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", len(records))
	}
	if records[0].Entry.Type != genesislog.DevInstruction {
		t.Errorf("expected the instruction, got %+v", records[0].Entry)
	}
	if u := genesislog.Unanswered(records); len(u) != 1 || u[0] != 0 {
		t.Errorf("unanswered instruction should be detectable, got %v", u)
	}
}

func TestChat_agentStatusErrorIsFailure(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log, reply: func(string) (*agent.Reply, error) {
		return nil, &agent.StatusError{Code: http.StatusInternalServerError, Body: "boom"}
	}}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

	if w := chat(r, "Bearer "+devKey, `{"message":"ping"}`); w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if log.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", log.Len())
	}
}

func TestChat_logNotReady(t *testing.T) {
	log := openStore(t, filepath.Join(t.TempDir(), "missing.jsonl"))
	ag := &recordingAgent{log: log}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey})

	w := chat(r, "Bearer "+devKey, `{"message":"ping"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if ag.callCount() != 0 {
		t.Error("an instruction that could not be logged must not reach the agent")
	}
}

func TestChat_rateLimited(t *testing.T) {
	log := newStore(t, "")
	ag := &recordingAgent{log: log}
	r := newRouter(t, gateway.Deps{Log: log, Agent: ag}, gateway.Options{DevKey: devKey, RateLimitRPS: 1})

	// burst is 2×rps
	var limited int
	for i := 0; i < 4; i++ {
		if chat(r, "Bearer "+devKey, `{"message":"ping"}`).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Error("expected at least one request to be rate limited")
	}
	if log.Len() != 2*(4-limited) {
		t.Errorf("rate-limited requests must not append: %d entries for %d accepted", log.Len(), 4-limited)
	}
}

// ── Genesis endpoints ────────────────────────────────────────────────────

func TestTranscript_missingLogIsEmptyList(t *testing.T) {
	log := openStore(t, filepath.Join(t.TempDir(), "missing.jsonl"))
	r := newRouter(t, gateway.Deps{Log: log}, gateway.Options{})

	w := get(r, "/genesis")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected [], got %s", w.Body.String())
	}
	if hash := currentHash(t, r); hash != nil {
		t.Errorf("expected null hash, got %v", hash)
	}
}

func TestTranscript_includesMalformedLinesAsStrings(t *testing.T) {
	content := `{"type":"dev_instruction","payload":"a","timestamp":"2026-01-01T00:00:00Z"}` + "\n" +
		"#!corrupted\n"
	log := newStore(t, content)
	r := newRouter(t, gateway.Deps{Log: log}, gateway.Options{})

	var body []any
	if err := json.Unmarshal(get(r, "/genesis").Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 records, got %d", len(body))
	}
	if s, ok := body[1].(string); !ok || s != "#!corrupted" {
		t.Errorf("malformed line should be a raw string, got %#v", body[1])
	}
}

func TestTranscript_foreignSchemaLinesKeepContent(t *testing.T) {
	legacy := `{"type":"dev_instruction","message":"rm -rf the audit","timestamp":"2026-01-01T00:00:00Z"}`
	bootstrap := `{"type":"system_prompt","content":"secret bootstrap instructions"}`
	log := newStore(t, legacy+"\n"+bootstrap+"\n")
	r := newRouter(t, gateway.Deps{Log: log}, gateway.Options{})

	var body []any
	if err := json.Unmarshal(get(r, "/genesis").Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 records, got %d", len(body))
	}
	for i, want := range []string{legacy, bootstrap} {
		if s, ok := body[i].(string); !ok || s != want {
			t.Errorf("record %d: got %#v, want the line verbatim", i, body[i])
		}
	}
}

func TestHash_reportsLogPath(t *testing.T) {
	log := newStore(t, "")
	r := newRouter(t, gateway.Deps{Log: log}, gateway.Options{})

	var resp map[string]any
	json.Unmarshal(get(r, "/genesis/hash").Body.Bytes(), &resp)
	if resp["log"] != log.Path() {
		t.Errorf("log: got %v, want %s", resp["log"], log.Path())
	}
	if resp["hash"] != genesislog.HashBytes(nil) {
		t.Errorf("hash: got %v", resp["hash"])
	}
}

func TestAttestation_beforeLogExists(t *testing.T) {
	var simCalls int32
	sim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&simCalls, 1)
	}))
	defer sim.Close()

	log := openStore(t, filepath.Join(t.TempDir(), "missing.jsonl"))
	fwd := attestation.NewForwarder(attestation.NewSimulatorTransport(sim.URL, time.Second), zap.NewNop())
	r := newRouter(t, gateway.Deps{Log: log, Quoter: fwd}, gateway.Options{})

	w := get(r, "/attestation")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if atomic.LoadInt32(&simCalls) != 0 {
		t.Error("no quote may be requested before the log exists")
	}
}

func TestAttestation_bindsCurrentHash(t *testing.T) {
	var gotBody string
	sim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.Write([]byte(`{"quote":"0xabc","event_log":"[]"}`))
	}))
	defer sim.Close()

	log := newStore(t, "")
	fwd := attestation.NewForwarder(attestation.NewSimulatorTransport(sim.URL, time.Second), zap.NewNop())
	r := newRouter(t, gateway.Deps{Log: log, Quoter: fwd}, gateway.Options{})

	// An attacker-supplied report_data in the query is ignored.
	w := get(r, "/attestation?report_data=0xdeadbeef")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"quote":"0xabc","event_log":"[]"}` {
		t.Errorf("quote should be returned unchanged, got %s", w.Body.String())
	}
	hash, _ := log.CurrentHash()
	if !strings.Contains(gotBody, "0x"+hash) || strings.Contains(gotBody, "deadbeef") {
		t.Errorf("quote request must bind the log hash only, got %s", gotBody)
	}
}

func TestAttestation_primitiveDown(t *testing.T) {
	log := newStore(t, "")
	q := &countingQuoter{err: errors.New("dial unix /var/run/dstack.sock: connect: no such file or directory")}
	r := newRouter(t, gateway.Deps{Log: log, Quoter: q}, gateway.Options{})

	if w := get(r, "/attestation"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

// ── Misc routes ──────────────────────────────────────────────────────────

func TestUnknownRoute_404(t *testing.T) {
	r := newRouter(t, gateway.Deps{Log: newStore(t, "")}, gateway.Options{})

	for _, p := range []string{"/nope", "/genesis/nope", "/chat/extra"} {
		w := get(r, p)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"error"`) {
			t.Errorf("%s: expected JSON error body, got %s", p, w.Body.String())
		}
	}
}

func TestOptions_204(t *testing.T) {
	r := newRouter(t, gateway.Deps{Log: newStore(t, "")}, gateway.Options{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/chat", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestUI_servesHTML(t *testing.T) {
	r := newRouter(t, gateway.Deps{Log: newStore(t, "")}, gateway.Options{})

	w := get(r, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("content type: got %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "/chat") {
		t.Error("UI should post to /chat")
	}
}

func TestHealthz(t *testing.T) {
	log := newStore(t, "")
	hr := fixedHealth{{Name: "agent", Status: health.StatusHealthy}}
	r := newRouter(t, gateway.Deps{Log: log, Health: hr}, gateway.Options{})

	w := get(r, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status     string                `json:"status"`
		GenesisLog string                `json:"genesis_log"`
		Upstreams  []health.TargetStatus `json:"upstreams"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" || resp.GenesisLog != "ready" {
		t.Errorf("unexpected health: %+v", resp)
	}
	if len(resp.Upstreams) != 1 || resp.Upstreams[0].Name != "agent" {
		t.Errorf("upstreams: %+v", resp.Upstreams)
	}
}

func TestRequestID_echoed(t *testing.T) {
	r := newRouter(t, gateway.Deps{Log: newStore(t, "")}, gateway.Options{})

	w := get(r, "/genesis/hash")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}

	const id = "6f1c2b1e-3a5d-4c8e-9b7a-1d2e3f4a5b6c"
	req := httptest.NewRequest(http.MethodGet, "/genesis/hash", nil)
	req.Header.Set("X-Request-ID", id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != id {
		t.Errorf("caller request ID not kept: got %q", got)
	}
}
