package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxloop/voxloop/internal/api"
	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
)

func testWorkflow() config.WorkflowConfig {
	return config.WorkflowConfig{
		BotName:          "Ada",
		BotCompany:       "Hartland Insurance",
		AgentPhoneNumber: "+15550100",
		DefaultLanguage:  "en-US",
		Languages:        []string{"en-US", "de-DE"},
		TaskDescription:  "collect claim details",
	}
}

func newServer(t *testing.T, st store.Store, q queue.Queue, checkers ...health.Checker) http.Handler {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.New(st, q, testWorkflow(), m, log, checkers...).Handler()
}

func TestCreateCall_EnqueuesOutbound(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	q := queue.NewMemory(time.Second)
	h := newServer(t, st, q)

	body := `{"phone_number": "+15550999", "task": "confirm appointment", "lang": "de-DE"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body)
	}
	var resp struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CallID == "" {
		t.Fatal("call_id is empty")
	}

	cl, err := st.GetByID(context.Background(), resp.CallID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got, want := cl.Initiate.TaskDescription, "confirm appointment"; got != want {
		t.Errorf("task = %q, want %q", got, want)
	}
	if got, want := cl.Initiate.BotName, "Ada"; got != want {
		t.Errorf("bot name = %q, want %q (workflow default)", got, want)
	}
	if got, want := cl.LangCurrent, "de-DE"; got != want {
		t.Errorf("language = %q, want %q", got, want)
	}

	msgs, err := q.Receive(context.Background(), queue.KindCallEvents, 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d queued events, want 1", len(msgs))
	}
	var evt queue.CallEvent
	if err := msgs[0].Decode(&evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != queue.EventIncomingCall || evt.Incoming == nil {
		t.Fatalf("event = %+v, want incoming_call", evt)
	}
	if !evt.Incoming.Outbound {
		t.Error("Outbound = false, want true")
	}
	if got, want := evt.Incoming.CallID, resp.CallID; got != want {
		t.Errorf("pinned call id = %q, want %q", got, want)
	}
	if got, want := evt.Incoming.CallerPhone, "+15550999"; got != want {
		t.Errorf("caller = %q, want %q", got, want)
	}
}

func TestCreateCall_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"phone_number": `},
		{"missing phone", `{}`},
		{"not e164", `{"phone_number": "5550999"}`},
		{"bad agent number", `{"phone_number": "+15550999", "agent_phone_number": "nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newServer(t, store.NewMemory(), queue.NewMemory(time.Second))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, http.StatusBadRequest, rec.Body)
			}
		})
	}
}

func TestCreateCall_CustomClaimSchema(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	h := newServer(t, st, queue.NewMemory(time.Second))

	req := map[string]any{
		"phone_number": "+15550999",
		"claim": []map[string]string{
			{"name": "order_id", "type": "text", "description": "the order reference"},
		},
	}
	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/call", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body)
	}

	cl, err := st.GetLast(context.Background(), "+15550999")
	if err != nil {
		t.Fatalf("GetLast: %v", err)
	}
	if len(cl.Initiate.ClaimSchema) != 1 || cl.Initiate.ClaimSchema[0].Name != "order_id" {
		t.Errorf("claim schema = %+v, want single order_id field", cl.Initiate.ClaimSchema)
	}
}

func TestListCalls(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	for _, task := range []string{"first", "second"} {
		cl := call.New(call.Initiate{
			CallerPhoneNumber: "+15550999",
			Languages:         []string{"en-US"},
			TaskDescription:   task,
		})
		if err := st.Save(context.Background(), cl); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	h := newServer(t, st, queue.NewMemory(time.Second))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/call?phone_number=%2B15550999", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	var calls []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &calls); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("got %d calls, want 2", len(calls))
	}
}

func TestListCalls_Validation(t *testing.T) {
	t.Parallel()
	h := newServer(t, store.NewMemory(), queue.NewMemory(time.Second))

	for _, target := range []string{"/call", "/call?phone_number=bogus"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestListCalls_UnknownCallerIsEmpty(t *testing.T) {
	t.Parallel()
	h := newServer(t, store.NewMemory(), queue.NewMemory(time.Second))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/call?phone_number=%2B15550111", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	failing := health.Checker{Name: "store", Check: func(context.Context) error {
		return errors.New("down")
	}}
	h := newServer(t, store.NewMemory(), queue.NewMemory(time.Second), failing)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
