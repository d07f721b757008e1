package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/config"
	"github.com/basket/rulesymbiosis/internal/gateway"
	"github.com/basket/rulesymbiosis/internal/ingest"
	"github.com/basket/rulesymbiosis/internal/learner"
	"github.com/basket/rulesymbiosis/internal/persistence"
	"github.com/basket/rulesymbiosis/internal/rules"
)

const gatewayTestAuthToken = "test-token"

func openStoreForGatewayTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "telemetry.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// apiTestServer starts a gateway over a fresh store. mutate may adjust the
// config before the server is built.
func apiTestServer(t *testing.T, mutate func(cfg *gateway.Config)) (*httptest.Server, *persistence.Store) {
	t.Helper()
	store := openStoreForGatewayTest(t)
	in, err := ingest.New(ingest.Config{
		Recorder: &learner.Recorder{Store: store, Table: learner.NewQTable(config.Default().Learner)},
		Store:    store,
	})
	if err != nil {
		t.Fatalf("new ingester: %v", err)
	}
	cfg := gateway.Config{
		Store:             store,
		Ingester:          in,
		AuthToken:         gatewayTestAuthToken,
		ConfigFingerprint: "fp-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthzEndpointContract(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, key := range []string{"healthy", "db_ok", "config_fingerprint", "uptime_seconds", "ws_clients", "counts"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("expected key %q in healthz payload, got %v", key, body)
		}
	}
	if body["config_fingerprint"] != "fp-test" {
		t.Fatalf("expected fingerprint fp-test, got %v", body["config_fingerprint"])
	}
}

func TestGateway_IngestActivationReturnsPredecessor(t *testing.T) {
	ts, store := apiTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/activations", gatewayTestAuthToken,
		`{"rule_id":"A","task_id":"t1","success":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/activations", gatewayTestAuthToken,
		`{"rule_id":"B","task_id":"t1","success":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if body["prev_rule"] != "A" {
		t.Fatalf("expected prev_rule A, got %v", body["prev_rule"])
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Activations != 2 || counts.Transitions != 1 {
		t.Fatalf("expected 2 activations and 1 transition, got %+v", counts)
	}
}

func TestGateway_IngestRejectsInvalidPayloads(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"missing rule", "/v1/activations", `{"task_id":"t1"}`},
		{"unknown field", "/v1/activations", `{"rule_id":"A","task_id":"t1","extra":1}`},
		{"not json", "/v1/activations", `{`},
		{"bad status", "/v1/outcomes", `{"task_id":"t1","rule_sequence":["A"],"status":"great"}`},
		{"quality out of range", "/v1/outcomes", `{"task_id":"t1","rule_sequence":["A"],"status":"success","quality":1.5}`},
		{"single rule interaction", "/v1/interactions", `{"rules":["A"],"effect":0.2}`},
		{"effect out of range", "/v1/interactions", `{"rules":["A","B"],"effect":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+tc.path, gatewayTestAuthToken, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
			}
			if body["error"] == nil || body["error"] == "" {
				t.Fatalf("expected error message, got %v", body)
			}
		})
	}
}

func TestGateway_DuplicateOutcomeConflicts(t *testing.T) {
	ts, _ := apiTestServer(t, nil)
	outcome := `{"task_id":"t1","rule_sequence":["A","B"],"status":"success","quality":0.8,"total_tokens":900}`

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/outcomes", gatewayTestAuthToken, outcome)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/outcomes", gatewayTestAuthToken, outcome)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate outcome, got %d", resp.StatusCode)
	}
}

func TestGateway_IngestInteractionClassifiesEffect(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/interactions", gatewayTestAuthToken,
		`{"kind":"interaction","task_id":"t1","rules":["B","A"],"effect":0.6}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
	}
	in, ok := body["interaction"].(map[string]any)
	if !ok {
		t.Fatalf("expected interaction in response, got %v", body)
	}
	if in["kind"] != string(rules.ClassifyEffect(0.6)) {
		t.Fatalf("expected kind %q, got %v", rules.ClassifyEffect(0.6), in["kind"])
	}
}

func TestGateway_RejectsMissingOrInvalidAuth(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	for _, token := range []string{"", "wrong-token"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/profiles", token, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
		resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/activations", token, `{"rule_id":"A","task_id":"t1"}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401 on ingest, got %d", token, resp.StatusCode)
		}
	}
}

func TestGateway_OpenWhenNoTokenConfigured(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.AuthToken = "" })

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/runs", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without configured token, got %d", resp.StatusCode)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/activations", gatewayTestAuthToken, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/profiles", gatewayTestAuthToken, "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestGateway_BodyTooLarge(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.MaxBodyBytes = 32 })

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/activations", gatewayTestAuthToken,
		`{"rule_id":"A","task_id":"a-task-id-long-enough-to-overflow"}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestGateway_ProfilesRankedAndFiltered(t *testing.T) {
	ts, store := apiTestServer(t, nil)
	ctx := context.Background()

	low := rules.NewProfile([]string{"A", "B", "C"}, 1)
	low.Fitness = 0.3
	high := rules.NewProfile([]string{"A", "B", "D"}, 2)
	high.Fitness = 0.9
	if err := store.SaveProfiles(ctx, "run-1", []rules.Profile{low, high}); err != nil {
		t.Fatalf("save profiles: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/profiles", gatewayTestAuthToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list, _ := body["profiles"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 profiles, got %v", body)
	}
	first := list[0].(map[string]any)
	if first["profile_id"] != high.ID {
		t.Fatalf("expected fittest profile first, got %v", first["profile_id"])
	}

	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/profiles?min_fitness=0.5", gatewayTestAuthToken, "")
	if list, _ := body["profiles"].([]any); len(list) != 1 {
		t.Fatalf("expected 1 profile above 0.5, got %v", body)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/profiles?min_fitness=high", gatewayTestAuthToken, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad min_fitness, got %d", resp.StatusCode)
	}
}

func TestGateway_PatternsAndRunsEmptyLists(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	for _, path := range []string{"/v1/patterns", "/v1/runs"} {
		resp, body := doJSON(t, http.MethodGet, ts.URL+path, gatewayTestAuthToken, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		key := strings.TrimPrefix(path, "/v1/")
		if list, ok := body[key].([]any); !ok || len(list) != 0 {
			t.Fatalf("%s: expected empty list, got %v", path, body[key])
		}
	}
}

func TestGateway_RunsListed(t *testing.T) {
	ts, store := apiTestServer(t, nil)
	ctx := context.Background()
	if err := store.StartRun(ctx, "run-1", "fp"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := store.FinishRun(ctx, persistence.RunRecord{RunID: "run-1", Reason: "RUN_COMPLETED", Generations: 3}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	_, body := doJSON(t, http.MethodGet, ts.URL+"/v1/runs", gatewayTestAuthToken, "")
	list, _ := body["runs"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 run, got %v", body)
	}
	run := list[0].(map[string]any)
	if run["run_id"] != "run-1" || run["status"] != persistence.RunStatusFinished {
		t.Fatalf("unexpected run row %v", run)
	}
}

func wsURL(serverURL, path string) string {
	return "ws" + serverURL[len("http"):] + path
}

func TestGateway_WSForwardsEvolutionEvents(t *testing.T) {
	b := bus.New()
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = b })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/events"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + gatewayTestAuthToken}},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	b.Publish(bus.TopicActivationRecorded, bus.ActivationRecordedEvent{TaskID: "t1", RuleID: "A"})
	b.Publish(bus.TopicGenerationCompleted, bus.GenerationCompletedEvent{RunID: "run-1", Generation: 1, BestFitness: 0.7})

	var got struct {
		Topic   string `json:"topic"`
		Payload struct {
			RunID      string `json:"run_id"`
			Generation int    `json:"generation"`
		} `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Topic != bus.TopicGenerationCompleted {
		t.Fatalf("expected %s, got %s", bus.TopicGenerationCompleted, got.Topic)
	}
	if got.Payload.RunID != "run-1" || got.Payload.Generation != 1 {
		t.Fatalf("unexpected payload %+v", got.Payload)
	}
}

func TestGateway_WSRejectsMissingAuth(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = bus.New() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/events"), nil)
	if err == nil {
		t.Fatalf("expected missing-auth dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestGateway_OriginRejectsDisallowedOrigin(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.Bus = bus.New()
		cfg.AllowOrigins = []string{"localhost:3000"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/events"), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + gatewayTestAuthToken},
			"Origin":        []string{"http://evil.example.com"},
		},
	})
	if err == nil {
		t.Fatalf("expected bad-origin dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %+v", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/events"), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + gatewayTestAuthToken},
			"Origin":        []string{"http://localhost:3000"},
		},
	})
	if err != nil {
		t.Fatalf("expected allowed-origin dial to succeed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "test done")
}

func TestGateway_CORSPreflight(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.AllowOrigins = []string{"http://localhost:3000"} })

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/profiles", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "symbiosis_generations_total 3\n")
		})
	})

	get := func(token string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get metrics: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get(gatewayTestAuthToken)
	if code != http.StatusOK || !strings.Contains(body, "symbiosis_generations_total 3") {
		t.Fatalf("expected 200 with scrape body, got %d %q", code, body)
	}
	if code, _ := get(""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := get("wrong"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", code)
	}

	bare, _ := apiTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodGet, bare.URL+"/metrics", gatewayTestAuthToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", resp.StatusCode)
	}
}
