package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/scope"
	"github.com/voxloop/voxloop/internal/turn"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// Causes for cancelling a turn's completion scope.
var (
	errBargedIn    = errors.New("orchestrator: caller barged in")
	errTurnSettled = errors.New("orchestrator: turn settled")
)

// answer produces the assistant's reply to the latest human turn. One turn
// may span several completion rounds when the model calls tools; rounds are
// bounded so a looping model cannot hold the line forever.
func (s *session) answer(ctx context.Context) error {
	invalidRetried := false

	for round := 0; round < s.e.cfg.MaxToolRounds; round++ {
		req, err := s.assemble()
		if err != nil {
			s.log.Error("prompt assembly failed", "error", err)
			s.e.metrics.RecordIncident(ctx, "answer")
			s.apologize(ctx)
			return nil
		}

		// The stream lives in its own scope so a barge-in or an aborted turn
		// stops the model mid-answer instead of letting it run to completion.
		turnScope := scope.New(ctx)
		chunks, err := s.e.deps.Driver.Stream(turnScope.Context(), s.tier, req)
		if err != nil {
			turnScope.Cancel(errTurnSettled)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("completion unavailable", "error", err)
			s.e.metrics.RecordIncident(ctx, "answer")
			s.apologize(ctx)
			return nil
		}

		s.state = StateThinking
		s.sounds.StartThinking(ctx)
		res, err := s.supervise(ctx, turnScope, chunks)
		turnScope.Cancel(errTurnSettled)
		s.sounds.Stop()
		if err != nil {
			return err
		}

		done, err := s.applyResult(ctx, res, &invalidRetried)
		if err != nil || done {
			return err
		}
	}

	s.log.Warn("tool round budget exhausted", "rounds", s.e.cfg.MaxToolRounds)
	s.e.metrics.RecordIncident(ctx, "answer")
	s.apologize(ctx)
	return nil
}

// assemble builds the completion request for the current history, consuming
// any RAG snippets collected during this turn.
func (s *session) assemble() (pllm.CompletionRequest, error) {
	botPhone := s.botPhone
	if botPhone == "" {
		botPhone = s.e.cfg.Workflow.AgentPhoneNumber
	}
	prov := s.e.deps.Driver.Provider(s.tier)
	req, err := s.e.deps.Assembler.Assemble(s.call, prompt.Params{
		BotPhoneNumber: botPhone,
		Today:          s.e.now(),
		RAG:            s.rag,
	}, prov, prov.Capabilities())
	if err != nil {
		return pllm.CompletionRequest{}, err
	}
	s.rag = nil
	req.Tools = s.e.deps.Registry.Definitions()
	return req, nil
}

// supervise runs the pipeline for one completion while watching the line:
// caller speech over playback becomes a barge-in, a turn completed during
// playback is stashed for the listening loop, and a hangup aborts playback.
func (s *session) supervise(ctx context.Context, turnScope *scope.Scope, chunks <-chan llm.Chunk) (*pipeline.Result, error) {
	s.state = StateSpeaking
	s.detector.SetSpeaking(true)
	defer s.detector.SetSpeaking(false)

	interrupt := make(chan struct{})
	interrupted := false
	cut := func() {
		if !interrupted {
			interrupted = true
			close(interrupt)
			// Cut the completion with the audio; the pipeline's drain only has
			// to cover chunks already in flight.
			turnScope.Cancel(errBargedIn)
			// The stream may already be drained with playback still queued;
			// cancelling the player directly covers that window.
			s.player.Cancel()
		}
	}

	type outcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.pipe.Run(ctx, chunks, s.call.LangCurrent, interrupt)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case o := <-done:
			if interrupted && o.res != nil {
				o.res.BargedIn = true
			}
			return o.res, o.err

		case evt, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			for _, sig := range s.detector.Feed(evt) {
				switch sig.Kind {
				case turn.BargeIn:
					s.log.Info("caller barged in")
					s.e.metrics.BargeIns.Add(ctx, 1)
					cut()
				case turn.TurnEnded:
					// Collected speech becomes the next human turn once
					// this one settles.
					stashed := sig
					s.pendingTurn = &stashed
				}
			}

		case now := <-ticker.C:
			for _, sig := range s.detector.Tick(now) {
				if sig.Kind == turn.TurnEnded {
					stashed := sig
					s.pendingTurn = &stashed
				}
			}

		case evt := <-s.mediaCh:
			s.onMedia(evt)
			if s.callerGone {
				cut()
			}
		}
	}
}

// applyResult persists one completion round and executes its tool calls.
// done reports that the turn is finished and the session should listen again.
func (s *session) applyResult(ctx context.Context, res *pipeline.Result, invalidRetried *bool) (bool, error) {
	switch {
	case res.BargedIn, s.callerGone:
		// Only what the caller heard goes on the record. Tool calls from a
		// cut-short reply are dropped; the model reissues them if the next
		// turn still warrants it.
		if spoken := res.SpokenText(); spoken != "" {
			s.appendAssistant(spoken, res.Style, nil)
		}
		return true, s.save(ctx)

	case res.Aborted:
		s.e.metrics.RecordIncident(ctx, "answer")
		if spoken := res.SpokenText(); spoken != "" {
			s.appendAssistant(spoken, res.Style, nil)
		}
		return true, s.save(ctx)
	}

	if len(res.ToolCalls) == 0 && len(res.InvalidCalls) > 0 {
		if *invalidRetried {
			s.log.Error("tool arguments unrepairable twice, giving up",
				"calls", len(res.InvalidCalls))
			s.e.metrics.RecordIncident(ctx, "tools")
			s.apologize(ctx)
			return true, s.save(ctx)
		}
		*invalidRetried = true
		s.recordInvalid(res)
		return false, s.save(ctx) // one more round, model sees the errors
	}

	if len(res.ToolCalls) > 0 {
		return s.runTools(ctx, res)
	}

	// Plain spoken reply.
	s.appendAssistant(res.Text(), res.Style, nil)
	return true, s.save(ctx)
}

// recordInvalid writes the broken calls and their rejection into history so
// the retry round has something to correct.
func (s *session) recordInvalid(res *pipeline.Result) {
	tcs := make([]call.ToolCall, 0, len(res.InvalidCalls))
	for _, ic := range res.InvalidCalls {
		tcs = append(tcs, call.ToolCall{
			ID:        ic.Call.ID,
			Name:      ic.Call.Name,
			Arguments: ic.Call.Arguments,
			Error:     ic.Reason,
		})
	}
	s.appendAssistant(res.Text(), res.Style, tcs)
	for _, ic := range res.InvalidCalls {
		s.appendToolResult(ic.Call.ID, errorJSON(ic.Reason))
	}
}

// runTools dispatches the round's tool calls and applies their directives.
func (s *session) runTools(ctx context.Context, res *pipeline.Result) (bool, error) {
	outcomes, err := s.e.deps.Registry.Dispatch(ctx, s.call, res.ToolCalls)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		s.log.Error("tool dispatch failed", "error", err)
		s.e.metrics.RecordIncident(ctx, "tools")
		s.apologize(ctx)
		return true, s.save(ctx)
	}

	tcs := make([]call.ToolCall, 0, len(outcomes)+len(res.InvalidCalls))
	for _, o := range outcomes {
		tcs = append(tcs, call.ToolCall{
			ID:        o.Call.ID,
			Name:      o.Call.Name,
			Arguments: o.Call.Arguments,
			Result:    o.Result.Content,
			Error:     o.Result.Error,
		})
	}
	for _, ic := range res.InvalidCalls {
		tcs = append(tcs, call.ToolCall{
			ID:        ic.Call.ID,
			Name:      ic.Call.Name,
			Arguments: ic.Call.Arguments,
			Error:     ic.Reason,
		})
	}
	s.appendAssistant(res.Text(), res.Style, tcs)

	var newCall bool
	for _, o := range outcomes {
		status := "ok"
		if o.Result.Error != "" {
			status = "error"
		}
		s.e.metrics.RecordToolCall(ctx, o.Call.Name, status)

		content := o.Result.Content
		if o.Result.Error != "" {
			content = errorJSON(o.Result.Error)
		}
		s.appendToolResult(o.Call.ID, content)

		d := o.Result.Directives
		if d.Cue != "" && !s.callerGone {
			s.speakLine(ctx, d.Cue)
		}
		if len(d.RAGSnippets) > 0 {
			s.rag = append(s.rag, d.RAGSnippets...)
		}
		if d.EndCall {
			s.seal(&call.Next{Action: call.NextCaseClosed,
				Justification: "conversation concluded by the assistant"})
			s.farewell = resolveUtterance(s.call, "goodbye", s.e.cfg.Utterances.Goodbye)
		}
		if d.Transfer {
			s.seal(&call.Next{Action: call.NextCaseEscalated,
				Justification: "caller handed over to a human agent"})
			s.farewell = resolveUtterance(s.call, "transfer", s.e.cfg.Utterances.Transfer)
			s.transferTo = s.call.Initiate.AgentPhoneNumber
		}
		if d.NewCall {
			newCall = true
		}
	}
	for _, ic := range res.InvalidCalls {
		s.e.metrics.RecordToolCall(ctx, ic.Call.Name, "invalid")
		s.appendToolResult(ic.Call.ID, errorJSON(ic.Reason))
	}

	if err := s.save(ctx); err != nil {
		s.log.Error("tool round not persisted", "error", err)
	}

	if newCall {
		if err := s.startNewCall(ctx); err != nil {
			s.log.Error("new claim record not opened", "error", err)
			s.e.metrics.RecordIncident(ctx, "tools")
		}
	}
	if s.farewell != "" || s.callerGone {
		return true, nil
	}
	// The model needs to see the tool results before speaking further.
	return false, nil
}

// startNewCall seals the current record and continues the live conversation
// on a fresh one, moving the lease along with it.
func (s *session) startNewCall(ctx context.Context) error {
	fresh := call.New(s.call.Initiate)
	fresh.LangCurrent = s.call.LangCurrent
	fresh.InProgress = true

	l, err := s.e.deps.Leases.Acquire(ctx, lease.CallKey(fresh.ID), lease.CallTTL)
	if err != nil {
		return err
	}
	if err := s.e.saveCall(ctx, fresh); err != nil {
		if rerr := s.e.deps.Leases.Release(ctx, l); rerr != nil {
			s.log.Warn("lease release failed", "error", rerr)
		}
		return err
	}

	old := s.call
	old.Next = &call.Next{Action: call.NextCaseClosed,
		Justification: "caller opened a new claim"}
	old.InProgress = false
	if err := s.e.saveCall(ctx, old); err != nil {
		s.log.Error("previous record not sealed", "error", err)
	}
	if err := s.e.deps.Dispatcher.CallClosed(ctx, old); err != nil {
		s.log.Error("post-call dispatch failed for sealed record", "error", err)
	}

	oldKeeper := s.keeper
	s.keeper = lease.NewKeeper(ctx, s.e.deps.Leases, l, func(cause error) {
		s.sc.Cancel(cause)
	})
	oldKeeper.Stop(context.WithoutCancel(ctx))

	s.call = fresh
	s.log = s.e.log.With("call_id", fresh.ID)
	s.e.rebind(s, old.ID)
	s.log.Info("conversation continued on new record", "previous", old.ID)
	return nil
}

// apologize plays the canned failure line without touching history.
func (s *session) apologize(ctx context.Context) {
	if s.callerGone {
		return
	}
	s.speakLine(ctx, resolveUtterance(s.call, "apology", s.e.cfg.Utterances.Apology))
}

func (s *session) appendAssistant(content string, style call.Style, tcs []call.ToolCall) {
	if content == "" && len(tcs) == 0 {
		return
	}
	s.call.AppendMessage(call.Message{
		Action:    call.ActionTalk,
		Persona:   call.PersonaAssistant,
		Content:   content,
		Style:     style,
		ToolCalls: tcs,
	})
}

func (s *session) appendToolResult(toolCallID, content string) {
	s.call.AppendMessage(call.Message{
		Action:     call.ActionNote,
		Persona:    call.PersonaTool,
		Content:    content,
		ToolCallID: toolCallID,
	})
}

func errorJSON(reason string) string {
	b, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(b)
}
