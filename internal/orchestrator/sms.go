package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
)

// HandleSMSEvent processes one sms_events message. A text from a caller with
// a live session on this instance is folded into the running call; otherwise
// the exchange continues (or starts) over SMS alone.
func (e *Engine) HandleSMSEvent(ctx context.Context, msg queue.Message) error {
	var ev queue.InboundSMS
	if err := msg.Decode(&ev); err != nil {
		e.log.Error("undecodable sms event", "event_id", msg.EventID, "error", err)
		return nil
	}
	if s := e.sessionByPhone(ev.From); s != nil {
		s.deliverSMS(ev)
		return nil
	}
	return e.smsConversation(ctx, ev, msg.EventID)
}

// smsConversation handles a text with no live call: the caller's open record
// is extended, or a fresh one is opened, and the reply goes back over SMS.
func (e *Engine) smsConversation(ctx context.Context, ev queue.InboundSMS, eventID string) error {
	cl, err := e.resolveSMSCall(ctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrTransient) {
			return err
		}
		e.log.Error("sms conversation cannot be resolved", "from", ev.From, "error", err)
		return nil
	}

	l, err := e.deps.Leases.Acquire(ctx, lease.CallKey(cl.ID), lease.CallTTL)
	if errors.Is(err, lease.ErrBusy) {
		// Another instance is driving this call; redelivery will reach its
		// sessionByPhone fast path.
		return fmt.Errorf("orchestrator: call %s owned elsewhere: %w", cl.ID, ErrNoCall)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lease for sms: %w", err)
	}
	defer func() {
		if rerr := e.deps.Leases.Release(ctx, l); rerr != nil && !errors.Is(rerr, lease.ErrLost) {
			e.log.Warn("lease release failed", "call_id", cl.ID, "error", rerr)
		}
	}()

	if cl.SeenEvent(eventID) {
		return nil
	}
	cl.AppendMessage(call.Message{
		Action:  call.ActionSMS,
		Persona: call.PersonaHuman,
		Content: ev.Body,
	})

	reply, err := e.smsReply(ctx, cl, ev.To)
	if err != nil {
		e.log.Error("sms reply generation failed", "call_id", cl.ID, "error", err)
		e.metrics.RecordIncident(ctx, "sms")
	}
	if reply != "" {
		if e.deps.SMS == nil {
			e.log.Warn("sms reply dropped, no sender configured", "call_id", cl.ID)
		} else if serr := e.deps.SMS.Send(ctx, ev.From, reply); serr != nil {
			e.log.Error("sms send failed", "call_id", cl.ID, "error", serr)
			e.metrics.RecordIncident(ctx, "sms")
		} else {
			cl.AppendMessage(call.Message{
				Action:  call.ActionSMS,
				Persona: call.PersonaAssistant,
				Content: reply,
			})
		}
	}
	return e.saveCall(ctx, cl)
}

// resolveSMSCall picks the record an out-of-call text belongs to.
func (e *Engine) resolveSMSCall(ctx context.Context, ev queue.InboundSMS) (*call.Call, error) {
	last, err := e.deps.Store.GetLast(ctx, ev.From)
	switch {
	case err == nil && last.Next == nil:
		return last, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	wf := e.cfg.Workflow
	init := call.Initiate{
		BotName:           wf.BotName,
		BotCompany:        wf.BotCompany,
		AgentPhoneNumber:  wf.AgentPhoneNumber,
		CallerPhoneNumber: ev.From,
		LanguageDefault:   wf.DefaultLanguage,
		Languages:         wf.Languages,
		TaskDescription:   wf.TaskDescription,
		ClaimSchema:       wf.ClaimSchema,
		PromptOverrides:   wf.PromptOverrides,
	}
	if err := call.ValidateInitiate(init); err != nil {
		return nil, fmt.Errorf("orchestrator: workflow defaults: %w", err)
	}
	cl := call.New(init)
	if err := e.saveCall(ctx, cl); err != nil {
		return nil, err
	}
	e.log.Info("sms conversation opened", "call_id", cl.ID, "from", ev.From)
	return cl, nil
}

// smsReply runs the completion rounds for one text exchange. Latency matters
// far less than on the phone, so the slow tier carries the whole thing.
func (e *Engine) smsReply(ctx context.Context, cl *call.Call, botPhone string) (string, error) {
	if botPhone == "" {
		botPhone = e.cfg.Workflow.AgentPhoneNumber
	}
	prov := e.deps.Driver.Provider(llm.TierSlow)
	var rag []string

	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		req, err := e.deps.Assembler.Assemble(cl, prompt.Params{
			BotPhoneNumber: botPhone,
			Today:          e.now(),
			RAG:            rag,
		}, prov, prov.Capabilities())
		if err != nil {
			return "", err
		}
		rag = nil
		req.Tools = e.deps.Registry.Definitions()

		resp, err := e.deps.Driver.Complete(ctx, llm.TierSlow, req)
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			_, text := call.ExtractStyle(call.RemoveAction(resp.Content))
			return text, nil
		}

		outcomes, err := e.deps.Registry.Dispatch(ctx, cl, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		tcs := make([]call.ToolCall, 0, len(outcomes))
		for _, o := range outcomes {
			tcs = append(tcs, call.ToolCall{
				ID:        o.Call.ID,
				Name:      o.Call.Name,
				Arguments: o.Call.Arguments,
				Result:    o.Result.Content,
				Error:     o.Result.Error,
			})
		}
		// Text riding a tool round is deferred; it reaches the caller when
		// the closing round returns it.
		cl.AppendMessage(call.Message{
			Action:    call.ActionSMS,
			Persona:   call.PersonaAssistant,
			ToolCalls: tcs,
		})
		for _, o := range outcomes {
			status := "ok"
			content := o.Result.Content
			if o.Result.Error != "" {
				status = "error"
				content = errorJSON(o.Result.Error)
			}
			e.metrics.RecordToolCall(ctx, o.Call.Name, status)
			cl.AppendMessage(call.Message{
				Action:     call.ActionNote,
				Persona:    call.PersonaTool,
				Content:    content,
				ToolCallID: o.Call.ID,
			})
			if len(o.Result.RAGSnippets) > 0 {
				rag = append(rag, o.Result.RAGSnippets...)
			}
			if o.Result.EndCall {
				cl.Next = &call.Next{Action: call.NextCaseClosed,
					Justification: "conversation concluded over sms"}
			}
		}
		if cl.Next != nil {
			_, text := call.ExtractStyle(call.RemoveAction(resp.Content))
			return text, nil
		}
	}
	return "", fmt.Errorf("orchestrator: sms tool rounds exhausted")
}
