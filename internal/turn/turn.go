// Package turn decides when the caller's turn has ended, when the caller is
// interrupting, and when the line has gone quiet.
//
// The detector is a pure state machine: recognition events go in through
// Feed, wall-clock checks go in through Tick, and signals come out. It holds
// no goroutines and no clock of its own, which keeps every timing rule
// directly testable.
package turn

import (
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// Kind classifies a detector signal.
type Kind int

const (
	// TurnEnded carries the collected human utterance for the LLM turn.
	TurnEnded Kind = iota
	// BargeIn reports the caller speaking over the assistant.
	BargeIn
	// IdleWarn reports prolonged line silence without speech.
	IdleWarn
)

func (k Kind) String() string {
	switch k {
	case TurnEnded:
		return "turn_ended"
	case BargeIn:
		return "barge_in"
	case IdleWarn:
		return "idle_warn"
	default:
		return "unknown"
	}
}

// Signal is one detector output. At is the time of the triggering event, not
// the emission time; when two signals race, the older At wins.
type Signal struct {
	Kind Kind
	Text string
	At   time.Time
}

// Config holds the three detection thresholds.
type Config struct {
	// VADSilence is the post-final silence window that ends a turn.
	VADSilence time.Duration

	// VADCutoff is how long caller speech must persist during assistant
	// speech before it counts as a barge-in rather than a cough.
	VADCutoff time.Duration

	// PhoneSilence is the continuous-silence window that triggers an idle
	// warning.
	PhoneSilence time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		VADSilence:   500 * time.Millisecond,
		VADCutoff:    250 * time.Millisecond,
		PhoneSilence: 20 * time.Second,
	}
}

// Detector accumulates recognition events for one call. Not safe for
// concurrent use; the orchestrator owns it from a single goroutine.
type Detector struct {
	cfg Config

	speaking  bool
	collected []string

	lastPartialAt time.Time
	lastFinalAt   time.Time
	speechStart   time.Time // first partial of the current utterance
	idleAnchor    time.Time // start of the current silence window
	bargeFired    bool
}

// New returns a detector. Zero thresholds in cfg fall back to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.VADSilence <= 0 {
		cfg.VADSilence = def.VADSilence
	}
	if cfg.VADCutoff <= 0 {
		cfg.VADCutoff = def.VADCutoff
	}
	if cfg.PhoneSilence <= 0 {
		cfg.PhoneSilence = def.PhoneSilence
	}
	return &Detector{cfg: cfg}
}

// Start arms the idle timer. Call once when the call connects.
func (d *Detector) Start(now time.Time) {
	d.idleAnchor = now
}

// SetSpeaking tells the detector whether the response pipeline is currently
// playing audio. A fresh assistant turn re-arms barge-in detection.
func (d *Detector) SetSpeaking(speaking bool) {
	d.speaking = speaking
	if speaking {
		d.bargeFired = false
	}
}

// Pending returns the utterance collected so far, joined.
func (d *Detector) Pending() string {
	return strings.Join(d.collected, " ")
}

// Feed processes one recognition event and returns any signals it produces.
func (d *Detector) Feed(evt stt.Event) []Signal {
	switch evt.Kind {
	case stt.Partial:
		if strings.TrimSpace(evt.Text) == "" {
			return nil
		}
		if d.speechStart.IsZero() {
			d.speechStart = evt.Timestamp
		}
		d.lastPartialAt = evt.Timestamp
		d.idleAnchor = evt.Timestamp
		if d.speaking && !d.bargeFired && evt.Timestamp.Sub(d.speechStart) >= d.cfg.VADCutoff {
			d.bargeFired = true
			return []Signal{{Kind: BargeIn, At: d.speechStart}}
		}
		return nil

	case stt.Final:
		if strings.TrimSpace(evt.Text) != "" {
			d.collected = append(d.collected, strings.TrimSpace(evt.Text))
		}
		d.lastFinalAt = evt.Timestamp
		d.idleAnchor = evt.Timestamp
		d.speechStart = time.Time{}
		return nil

	case stt.Silence:
		// The backend observed a pause; evaluate the turn-end rule at the
		// pause time.
		return d.Tick(evt.Timestamp.Add(d.cfg.VADSilence))

	case stt.Complete:
		if len(d.collected) == 0 {
			// Completion without any committed text is a no-op.
			return nil
		}
		return []Signal{d.endTurn(d.lastFinalAt)}
	}
	return nil
}

// Tick evaluates the time-based rules at now. The caller drives it from a
// coarse ticker.
func (d *Detector) Tick(now time.Time) []Signal {
	if len(d.collected) > 0 &&
		!d.lastFinalAt.Before(d.lastPartialAt) &&
		now.Sub(d.lastFinalAt) >= d.cfg.VADSilence {
		return []Signal{d.endTurn(d.lastFinalAt)}
	}

	if len(d.collected) == 0 && !d.idleAnchor.IsZero() && now.Sub(d.idleAnchor) >= d.cfg.PhoneSilence {
		// Re-arm so the next warning needs a full new window.
		d.idleAnchor = now
		return []Signal{{Kind: IdleWarn, At: now}}
	}
	return nil
}

// endTurn emits TurnEnded and resets per-utterance state.
func (d *Detector) endTurn(at time.Time) Signal {
	text := strings.Join(d.collected, " ")
	d.collected = nil
	d.speechStart = time.Time{}
	d.bargeFired = false
	d.idleAnchor = at
	return Signal{Kind: TurnEnded, Text: text, At: at}
}
