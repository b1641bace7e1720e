package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/scope"
	"github.com/voxloop/voxloop/internal/store"
)

// saveRetries bounds reload-and-retry rounds on optimistic-concurrency
// conflicts. The lease makes conflicts rare; hitting the cap is an incident.
const saveRetries = 3

// HandleCallEvent processes one call_events message. Incoming calls block for
// the full call duration; the caller is expected to run one handler per worker
// slot. A non-nil return asks the queue for redelivery.
func (e *Engine) HandleCallEvent(ctx context.Context, msg queue.Message) error {
	var evt queue.CallEvent
	if err := msg.Decode(&evt); err != nil {
		e.log.Error("undecodable call event", "event_id", msg.EventID, "error", err)
		return nil // redelivery cannot fix the payload
	}

	switch evt.Type {
	case queue.EventIncomingCall:
		if evt.Incoming == nil {
			e.log.Error("incoming_call event without payload", "event_id", msg.EventID)
			return nil
		}
		return e.runIncoming(ctx, *evt.Incoming, msg.EventID)

	case queue.EventMedia:
		if evt.Media == nil {
			e.log.Error("media event without payload", "event_id", msg.EventID)
			return nil
		}
		return e.handleMedia(ctx, *evt.Media)

	default:
		e.log.Error("unknown call event type", "type", evt.Type, "event_id", msg.EventID)
		return nil
	}
}

// errDuplicateEvent marks a redelivery of an event some call already
// processed.
var errDuplicateEvent = errors.New("orchestrator: duplicate event")

// runIncoming owns one call from lease acquisition to Closed.
func (e *Engine) runIncoming(ctx context.Context, inc queue.IncomingCall, eventID string) error {
	cl, err := e.resolveCall(ctx, inc, eventID)
	if err != nil {
		if errors.Is(err, store.ErrTransient) {
			return err
		}
		if errors.Is(err, errDuplicateEvent) {
			e.log.Info("duplicate incoming_call event ignored",
				"caller", inc.CallerPhone, "event_id", eventID)
			return nil
		}
		e.log.Error("call cannot be resolved", "caller", inc.CallerPhone, "error", err)
		return nil
	}

	l, err := e.deps.Leases.Acquire(ctx, lease.CallKey(cl.ID), lease.CallTTL)
	if errors.Is(err, lease.ErrBusy) {
		// Another worker is already driving this call.
		e.log.Info("call already owned elsewhere", "call_id", cl.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: acquire call lease: %w", err)
	}

	sc := scope.New(ctx)
	keeper := lease.NewKeeper(ctx, e.deps.Leases, l, func(cause error) {
		sc.Cancel(cause)
	})
	// The session may swap its keeper when the conversation moves to a fresh
	// record mid-call; always stop whichever one is current.
	var s *session
	defer func() {
		k := keeper
		if s != nil {
			k = s.keeper
		}
		k.Stop(context.WithoutCancel(ctx))
	}()

	if cl.SeenEvent(eventID) {
		e.log.Info("duplicate incoming_call event ignored", "call_id", cl.ID, "event_id", eventID)
		return nil
	}

	cl.InProgress = true
	if err := e.saveCall(ctx, cl); err != nil {
		return err
	}

	leg, err := e.openLeg(ctx, inc)
	if err != nil {
		e.log.Error("media leg unavailable", "call_id", cl.ID, "error", err)
		e.metrics.RecordIncident(ctx, "media_leg")
		cl.InProgress = false
		if cl.Next == nil {
			cl.Next = &call.Next{
				Action:        call.NextCallBack,
				Justification: "media leg could not be established",
			}
		}
		if serr := e.saveCall(ctx, cl); serr != nil {
			e.log.Error("save after leg failure", "call_id", cl.ID, "error", serr)
		}
		return nil
	}

	s = newSession(e, cl, keeper, leg, sc)
	s.eventID = eventID
	if inc.CalleePhone != "" {
		s.botPhone = inc.CalleePhone
	}
	e.register(s)
	defer e.unregister(s)
	e.metrics.ActiveCalls.Add(ctx, 1)
	defer e.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	return s.run()
}

// openLeg binds the media plane: attach for inbound calls, dial for outbound.
func (e *Engine) openLeg(ctx context.Context, inc queue.IncomingCall) (Leg, error) {
	if inc.Outbound {
		return e.deps.Gateway.Dial(ctx, inc.CallerPhone, inc.CalleePhone)
	}
	return e.deps.Gateway.Attach(ctx, inc.CorrelationID)
}

// resolveCall finds the Call an incoming event belongs to: the pinned ID for
// API-originated calls, a recent unfinished Call for returning callers, or a
// fresh Call from the workflow defaults.
func (e *Engine) resolveCall(ctx context.Context, inc queue.IncomingCall, eventID string) (*call.Call, error) {
	if inc.CallID != "" {
		return e.deps.Store.GetByID(ctx, inc.CallID)
	}

	conv := e.conversation(ctx)
	last, err := e.deps.Store.GetLast(ctx, inc.CallerPhone)
	switch {
	case err == nil && processedEvent(last, eventID):
		// A redelivery of an event an earlier (possibly sealed) call already
		// handled; opening a fresh record for it would ring the caller twice.
		return nil, errDuplicateEvent
	case err == nil && last.Next == nil &&
		e.now().Sub(last.UpdatedAt) < time.Duration(conv.CallbackTimeoutHour)*time.Hour:
		// The previous conversation never concluded; pick it back up.
		return last, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	wf := e.cfg.Workflow
	init := call.Initiate{
		BotName:           wf.BotName,
		BotCompany:        wf.BotCompany,
		AgentPhoneNumber:  wf.AgentPhoneNumber,
		CallerPhoneNumber: inc.CallerPhone,
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
	e.log.Info("call created", "call_id", cl.ID, "caller", inc.CallerPhone)
	return cl, nil
}

// processedEvent reports whether cl already carries the fingerprint for
// eventID, without recording it.
func processedEvent(cl *call.Call, eventID string) bool {
	fp := cl.ID + ":" + eventID
	for _, existing := range cl.Fingerprints {
		if existing == fp {
			return true
		}
	}
	return false
}

// handleMedia routes a gateway lifecycle event. Events for calls running on
// this instance are delivered in-process; a hangup for an unowned call is
// finalized here; everything else is redelivered until the owning instance
// receives it.
func (e *Engine) handleMedia(ctx context.Context, evt queue.MediaEvent) error {
	if s := e.sessionByID(evt.CallID); s != nil {
		s.deliverMedia(evt)
		return nil
	}
	if evt.Kind != queue.MediaHangup {
		// The owning instance will pick it up on redelivery.
		return fmt.Errorf("orchestrator: call %s not active here: %w", evt.CallID, ErrNoCall)
	}
	return e.finalizeOrphan(ctx, evt.CallID)
}

// finalizeOrphan closes a call whose gateway leg hung up while no worker was
// driving it (crash, drain timeout). The record is sealed so post-call work
// still runs.
func (e *Engine) finalizeOrphan(ctx context.Context, callID string) error {
	l, err := e.deps.Leases.Acquire(ctx, lease.CallKey(callID), lease.CallTTL)
	if errors.Is(err, lease.ErrBusy) {
		// Owned elsewhere after all; let redelivery find the owner.
		return fmt.Errorf("orchestrator: call %s owned elsewhere: %w", callID, ErrNoCall)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lease for orphan %s: %w", callID, err)
	}
	defer func() {
		if rerr := e.deps.Leases.Release(ctx, l); rerr != nil && !errors.Is(rerr, lease.ErrLost) {
			e.log.Warn("lease release failed", "call_id", callID, "error", rerr)
		}
	}()

	cl, err := e.deps.Store.GetByID(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Error("hangup for unknown call", "call_id", callID)
		return nil
	}
	if err != nil {
		return err
	}
	if cl.Next != nil && !cl.InProgress {
		return nil // already sealed
	}

	cl.AppendMessage(call.Message{
		Action:  call.ActionHangup,
		Persona: call.PersonaHuman,
		Content: "caller disconnected",
	})
	if cl.Next == nil {
		cl.Next = &call.Next{
			Action:        call.NextCallBack,
			Justification: "caller disconnected while no worker owned the call",
		}
	}
	cl.InProgress = false
	if err := e.saveCall(ctx, cl); err != nil {
		return err
	}
	e.log.Info("orphaned call sealed", "call_id", callID)
	return e.deps.Dispatcher.CallClosed(ctx, cl)
}

// saveCall persists cl, absorbing optimistic-concurrency conflicts by
// adopting the stored version and retrying. Under the lease this instance's
// in-memory state is authoritative; a conflict only means a stale version
// counter (a crashed worker's last write, the synthesis worker).
func (e *Engine) saveCall(ctx context.Context, cl *call.Call) error {
	for attempt := 0; ; attempt++ {
		err := e.deps.Store.Save(ctx, cl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= saveRetries-1 {
			if errors.Is(err, store.ErrConflict) {
				e.metrics.RecordIncident(ctx, "save")
			}
			return fmt.Errorf("orchestrator: save call %s: %w", cl.ID, err)
		}
		e.metrics.SaveConflicts.Add(ctx, 1)

		stored, gerr := e.deps.Store.GetByID(ctx, cl.ID)
		if gerr != nil {
			return fmt.Errorf("orchestrator: reload after conflict: %w", gerr)
		}
		// Keep our state, adopt the winning version; enrichment-only fields
		// written outside the conversation loop are merged back.
		cl.Version = stored.Version
		if cl.Synthesis == nil {
			cl.Synthesis = stored.Synthesis
		}
		e.log.Warn("save conflict absorbed", "call_id", cl.ID, "version", cl.Version)
	}
}
