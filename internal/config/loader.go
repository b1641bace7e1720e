package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/tools"
)

// envPrefix marks environment variables that override config values. The
// rest of the variable name is a lowercased "__"-separated path into the
// YAML document: VOXLOOP__SERVER__LISTEN_ADDR overrides server.listen_addr.
const envPrefix = "VOXLOOP__"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"translate":  {"http"},
	"safety":     {"http"},
	"sms":        {"http"},
}

// Load reads the YAML configuration file at path, applies any VOXLOOP__
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := load(data, os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are applied here too, so tests can exercise them
// with t.Setenv. Useful where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return load(data, os.Environ())
}

// load layers environment overrides onto the YAML document, then decodes it
// strictly so unknown keys fail instead of being silently dropped.
func load(data []byte, environ []string) (*Config, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	applyEnv(doc, environ)

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: merge overrides: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(merged))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv writes VOXLOOP__ environment overrides into the decoded YAML
// document. Values are parsed as YAML scalars so numbers and booleans keep
// their types.
func applyEnv(doc map[string]any, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(name, envPrefix)), "__")
		if len(path) == 0 || path[0] == "" {
			continue
		}

		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		setPath(doc, path, parsed)
	}
}

// setPath sets doc[path[0]][path[1]]... = value, creating intermediate maps
// and overwriting non-map intermediates.
func setPath(doc map[string]any, path []string, value any) {
	for _, key := range path[:len(path)-1] {
		next, ok := doc[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[key] = next
		}
		doc = next
	}
	doc[path[len(path)-1]] = value
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLMFast.Name)
	validateProviderName("llm", cfg.Providers.LLMSlow.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)
	validateProviderName("safety", cfg.Providers.Safety.Name)
	validateProviderName("sms", cfg.Providers.SMS.Name)

	// Conversation timings must stay ordered once defaulted.
	conv := cfg.Conversation.WithDefaults()
	if conv.AnswerSoftTimeoutS >= conv.AnswerHardTimeoutS {
		errs = append(errs, fmt.Errorf("conversation.answer_soft_timeout_s (%d) must be below answer_hard_timeout_s (%d)", conv.AnswerSoftTimeoutS, conv.AnswerHardTimeoutS))
	}
	if conv.VADCutoffMS >= conv.PhoneSilenceTimeoutS*1000 {
		errs = append(errs, fmt.Errorf("conversation.vad_cutoff_ms (%d) must be below phone_silence_timeout_s", conv.VADCutoffMS))
	}

	// Voice styles
	for name := range cfg.Voice.Styles {
		if !call.Style(name).IsValid() {
			errs = append(errs, fmt.Errorf("voice.styles.%s is not a recognised style; valid values: none, cheerful, sad", name))
		}
	}

	// Workflow
	wf := cfg.Workflow
	if wf.DefaultLanguage != "" && len(wf.Languages) > 0 && !slices.Contains(wf.Languages, wf.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("workflow.default_language %q is not listed in workflow.languages", wf.DefaultLanguage))
	}
	fieldsSeen := make(map[string]int, len(wf.ClaimSchema))
	for i, f := range wf.ClaimSchema {
		prefix := fmt.Sprintf("workflow.claim_schema[%d]", i)
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := fieldsSeen[f.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of claim_schema[%d]", prefix, f.Name, prev))
		} else {
			fieldsSeen[f.Name] = i
		}
		if f.Type != "" && !f.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: text, email, datetime, phone_number", prefix, f.Type))
		}
	}

	// RAG ↔ embeddings dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.RAG.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but rag.embedding_dimensions is not set; defaulting to 1536")
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
