package call

import (
	"regexp"
	"strings"
)

// Models fed their own history back tend to reproduce the bookkeeping markers
// the history contains. Assistant messages are stored as
// "action=talk style=cheerful <content>"; both markers must be stripped before
// the text reaches TTS and re-derived before persisting.

var (
	actionMarkerRe = regexp.MustCompile(`^\s*action=([a-z_]+)\s`)
	styleMarkerRe  = regexp.MustCompile(`^\s*style=([a-z_]+)\s`)
)

// ExtractStyle splits a leading "style=..." marker off content. When the
// marker is absent or names an unknown style, the returned style is StyleNone
// and content is returned unchanged.
func ExtractStyle(content string) (Style, string) {
	m := styleMarkerRe.FindStringSubmatch(content)
	if m == nil {
		return StyleNone, content
	}
	style := Style(m[1])
	if !style.IsValid() {
		return StyleNone, content
	}
	return style, strings.TrimLeft(content[len(m[0]):], " ")
}

// RemoveAction strips a leading "action=..." marker from content. The marker
// value itself is discarded; actions are decided by the orchestrator, never by
// echoed history.
func RemoveAction(content string) string {
	m := actionMarkerRe.FindStringSubmatch(content)
	if m == nil {
		return content
	}
	return strings.TrimLeft(content[len(m[0]):], " ")
}

// HistoryContent renders msg the way it is presented back to the model:
// markers first, then the spoken text.
func HistoryContent(msg Message) string {
	var sb strings.Builder
	sb.WriteString("action=")
	sb.WriteString(string(msg.Action))
	sb.WriteString(" style=")
	sb.WriteString(string(msg.Style))
	sb.WriteString(" ")
	sb.WriteString(msg.Content)
	return sb.String()
}
