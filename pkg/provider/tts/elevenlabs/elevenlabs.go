// Package elevenlabs implements tts.Provider on the ElevenLabs streaming
// WebSocket API. Each Synthesize call opens one stream-input connection for
// one sentence; styles map onto voice settings.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Provider implements tts.Provider backed by ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID. Default "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Default "pcm_16000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		p.defaultVoice = voice
	}
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// settingsFor maps the portable style names onto ElevenLabs parameters.
func settingsFor(style string) *voiceSettings {
	switch style {
	case "cheerful":
		return &voiceSettings{Stability: 0.35, SimilarityBoost: 0.75, Style: 0.6}
	case "sad":
		return &voiceSettings{Stability: 0.65, SimilarityBoost: 0.75, Style: 0.4}
	default:
		return &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	}
}

// openMessage is the first frame, carrying auth and configuration.
type openMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// audioResponse is one frame received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"` // base64 PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	if voice == "" {
		return nil, errors.New("elevenlabs: no voice configured")
	}
	if req.Text == "" {
		return nil, errors.New("elevenlabs: empty text")
	}

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf(wsEndpointFmt, voice, p.model), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	open, _ := json.Marshal(openMessage{
		Text:          " ", // the API requires a non-empty opening text
		VoiceSettings: settingsFor(req.Style),
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	})
	if err := conn.Write(ctx, websocket.MessageText, open); err != nil {
		conn.Close(websocket.StatusInternalError, "open frame failed")
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	// Send the sentence followed by the end-of-input marker.
	frame, _ := json.Marshal(map[string]string{"text": req.Text + " "})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "text frame failed")
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	eos, _ := json.Marshal(map[string]string{"text": ""})
	if err := conn.Write(ctx, websocket.MessageText, eos); err != nil {
		conn.Close(websocket.StatusInternalError, "eos frame failed")
		return nil, fmt.Errorf("elevenlabs: end input: %w", err)
	}

	s := &stream{
		conn:  conn,
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

type stream struct {
	conn  *websocket.Conn
	audio chan []byte
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

// Compile-time interface assertion.
var _ tts.Stream = (*stream)(nil)

// Audio implements tts.Stream.
func (s *stream) Audio() <-chan []byte { return s.audio }

// Cancel implements tts.Stream.
func (s *stream) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "cancelled")
	})
}

// Err implements tts.Stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.audio)
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Cancelled; not an error.
			default:
				if ctx.Err() == nil {
					s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
				}
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Message != "" && resp.Audio == "" && !resp.IsFinal {
			s.setErr(fmt.Errorf("elevenlabs: %s", resp.Message))
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				select {
				case s.audio <- pcm:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
		if resp.IsFinal {
			return
		}
	}
}
