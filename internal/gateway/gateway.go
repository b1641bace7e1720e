// Package gateway binds calls to media legs on the phone bridge.
//
// The bridge is the telephony-side process that terminates SIP/RTP and
// re-exposes each call as one WebSocket: binary frames carry raw PCM in both
// directions, text frames carry the control verbs. Inbound calls are joined
// by correlation ID; outbound calls are dialed and the socket opens when the
// callee answers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/internal/orchestrator"
)

// audioBuf bounds undelivered caller PCM before the socket reader stalls.
const audioBuf = 256

// Bridge implements [orchestrator.Gateway] against a phone-bridge endpoint.
type Bridge struct {
	endpoint string
	token    string
	log      *slog.Logger
}

var _ orchestrator.Gateway = (*Bridge)(nil)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithToken sets the bearer token sent on every leg handshake.
func WithToken(token string) Option {
	return func(b *Bridge) {
		b.token = token
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

// New creates a Bridge for the given ws:// or wss:// endpoint.
func New(endpoint string, opts ...Option) (*Bridge, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("gateway: endpoint %q is not a websocket URL", endpoint)
	}
	b := &Bridge{
		endpoint: endpoint,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Attach implements orchestrator.Gateway. It joins an inbound call already
// ringing at the bridge.
func (b *Bridge) Attach(ctx context.Context, correlationID string) (orchestrator.Leg, error) {
	if correlationID == "" {
		return nil, errors.New("gateway: correlation ID must not be empty")
	}
	return b.open(ctx, "/attach", url.Values{"correlation_id": {correlationID}})
}

// Dial implements orchestrator.Gateway. It originates an outbound call and
// blocks until the callee answers or the bridge rejects the attempt.
func (b *Bridge) Dial(ctx context.Context, to, from string) (orchestrator.Leg, error) {
	if to == "" {
		return nil, errors.New("gateway: dial target must not be empty")
	}
	return b.open(ctx, "/dial", url.Values{"to": {to}, "from": {from}})
}

func (b *Bridge) open(ctx context.Context, path string, query url.Values) (orchestrator.Leg, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse endpoint: %w", err)
	}
	u.Path += path
	u.RawQuery = query.Encode()

	headers := http.Header{}
	if b.token != "" {
		headers.Set("Authorization", "Bearer "+b.token)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("gateway: dial bridge: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	l := &leg{
		conn:    conn,
		log:     b.log,
		audioIn: make(chan []byte, audioBuf),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// control is the text-frame envelope for call verbs, both directions.
type control struct {
	Type string `json:"type"`
	To   string `json:"to,omitempty"`
}

// leg is one live media socket.
type leg struct {
	conn *websocket.Conn
	log  *slog.Logger

	// writeMu serializes outbound frames; Play and the control verbs may race.
	writeMu sync.Mutex

	audioIn chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ orchestrator.Leg = (*leg)(nil)

// Play implements orchestrator.Leg.
func (l *leg) Play(ctx context.Context, pcm []byte) error {
	select {
	case <-l.done:
		return errors.New("gateway: leg is closed")
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("gateway: play: %w", err)
	}
	return nil
}

// AudioIn implements orchestrator.Leg. The channel closes when the telephony
// side disconnects.
func (l *leg) AudioIn() <-chan []byte { return l.audioIn }

// Hangup implements orchestrator.Leg.
func (l *leg) Hangup(ctx context.Context) error {
	err := l.send(ctx, control{Type: "hangup"})
	l.close(websocket.StatusNormalClosure, "hangup")
	return err
}

// Transfer implements orchestrator.Leg. The bridge answers with a hangup once
// the handover completes, which closes AudioIn.
func (l *leg) Transfer(ctx context.Context, to string) error {
	return l.send(ctx, control{Type: "transfer", To: to})
}

func (l *leg) send(ctx context.Context, c control) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", c.Type, err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("gateway: send %s: %w", c.Type, err)
	}
	return nil
}

func (l *leg) close(code websocket.StatusCode, reason string) {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close(code, reason)
	})
}

// readLoop pumps caller PCM into audioIn until the socket closes. Text frames
// from the bridge are lifecycle notices; a hangup notice ends the loop the
// same way a closed socket does.
func (l *leg) readLoop() {
	defer close(l.audioIn)
	defer l.close(websocket.StatusNormalClosure, "leg closed")

	ctx := context.Background()
	for {
		typ, msg, err := l.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			select {
			case l.audioIn <- msg:
			case <-l.done:
				return
			}
		case websocket.MessageText:
			var c control
			if err := json.Unmarshal(msg, &c); err != nil {
				l.log.Warn("undecodable bridge control frame", "error", err)
				continue
			}
			if c.Type == "hangup" {
				return
			}
		}
	}
}
