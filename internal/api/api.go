// Package api exposes the HTTP surface of the voxloop server: the outbound
// call endpoint, a read path for call records, and the health probes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
)

// listLimit caps the number of records returned by the read path.
const listLimit = 10

var e164Re = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Server handles the HTTP API. Construct with [New] and mount via [Handler].
type Server struct {
	store    store.Store
	queue    queue.Queue
	workflow config.WorkflowConfig
	health   *health.Handler
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New creates a Server. checkers become the /readyz readiness probes.
func New(st store.Store, q queue.Queue, wf config.WorkflowConfig, metrics *observe.Metrics, log *slog.Logger, checkers ...health.Checker) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		store:    st,
		queue:    q,
		workflow: wf,
		health:   health.New(checkers...),
		metrics:  metrics,
		log:      log.With("component", "api"),
	}
}

// Handler returns the routed handler with observability middleware applied:
//
//	POST /call          — create a Call and dial the caller
//	GET  /call          — recent Calls for ?phone_number=
//	GET  /healthz       — liveness
//	GET  /readyz        — readiness
//	GET  /metrics       — Prometheus scrape endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call", s.handleCreateCall)
	mux.HandleFunc("GET /call", s.handleListCalls)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// createCallRequest is the JSON body for POST /call. Omitted fields fall back
// to the configured workflow defaults.
type createCallRequest struct {
	PhoneNumber      string            `json:"phone_number"`
	BotName          string            `json:"bot_name,omitempty"`
	BotCompany       string            `json:"bot_company,omitempty"`
	Task             string            `json:"task,omitempty"`
	AgentPhoneNumber string            `json:"agent_phone_number,omitempty"`
	Claim            []call.ClaimField `json:"claim,omitempty"`
	Lang             string            `json:"lang,omitempty"`
}

// createCallResponse is the JSON body returned from POST /call.
type createCallResponse struct {
	CallID string `json:"call_id"`
}

// errorResponse is the JSON body for all non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

// handleCreateCall creates a Call primed for outbound dialing and enqueues
// the incoming_call event that makes a worker pick it up and dial.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	init := s.initiateFrom(req)
	if err := call.ValidateInitiate(init); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cl := call.New(init)
	if err := s.store.Save(r.Context(), cl); err != nil {
		s.log.Error("call record creation failed", "caller", req.PhoneNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "call could not be created")
		return
	}

	evt := queue.CallEvent{
		Type: queue.EventIncomingCall,
		Incoming: &queue.IncomingCall{
			CallerPhone: req.PhoneNumber,
			CalleePhone: init.AgentPhoneNumber,
			Outbound:    true,
			CallID:      cl.ID,
		},
	}
	eventID, err := queue.Send(r.Context(), s.queue, queue.KindCallEvents, evt)
	if err != nil {
		s.log.Error("outbound call enqueue failed", "call_id", cl.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "call could not be scheduled")
		return
	}

	s.log.Info("outbound call scheduled", "call_id", cl.ID, "caller", req.PhoneNumber, "event_id", eventID)
	writeJSON(w, http.StatusCreated, createCallResponse{CallID: cl.ID})
}

// initiateFrom merges the request with the workflow defaults.
func (s *Server) initiateFrom(req createCallRequest) call.Initiate {
	wf := s.workflow
	init := call.Initiate{
		BotName:           wf.BotName,
		BotCompany:        wf.BotCompany,
		AgentPhoneNumber:  wf.AgentPhoneNumber,
		CallerPhoneNumber: req.PhoneNumber,
		LanguageDefault:   wf.DefaultLanguage,
		Languages:         wf.Languages,
		TaskDescription:   wf.TaskDescription,
		ClaimSchema:       wf.ClaimSchema,
		PromptOverrides:   wf.PromptOverrides,
	}
	if req.BotName != "" {
		init.BotName = req.BotName
	}
	if req.BotCompany != "" {
		init.BotCompany = req.BotCompany
	}
	if req.Task != "" {
		init.TaskDescription = req.Task
	}
	if req.AgentPhoneNumber != "" {
		init.AgentPhoneNumber = req.AgentPhoneNumber
	}
	if len(req.Claim) > 0 {
		init.ClaimSchema = req.Claim
	}
	if req.Lang != "" {
		init.LanguageDefault = req.Lang
		found := false
		for _, l := range init.Languages {
			if l == req.Lang {
				found = true
				break
			}
		}
		if !found {
			init.Languages = append(append([]string(nil), init.Languages...), req.Lang)
		}
	}
	return init
}

// handleListCalls returns the most recent Calls for a phone number. Read
// only; nothing is mutated.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone_number")
	if !e164Re.MatchString(phone) {
		writeError(w, http.StatusBadRequest, "phone_number must be E.164")
		return
	}

	calls, err := s.store.ListByPhone(r.Context(), phone, listLimit)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("call lookup failed", "caller", phone, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if calls == nil {
		calls = []*call.Call{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
