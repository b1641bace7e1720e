package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// store changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is true when any turn-taking timing changed.
	ConversationChanged bool

	// VoiceChanged is true when a style mapping or the queue depth changed.
	VoiceChanged bool

	// PromptsChanged is true when a prompt override was added, removed, or
	// edited.
	PromptsChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ConversationChanged || d.VoiceChanged || d.PromptsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
	}

	if old.Voice.QueueDepth != new.Voice.QueueDepth || !maps.Equal(old.Voice.Styles, new.Voice.Styles) {
		d.VoiceChanged = true
	}

	if !maps.Equal(old.Workflow.PromptOverrides, new.Workflow.PromptOverrides) {
		d.PromptsChanged = true
	}

	return d
}
