package pipeline

import (
	"strings"
	"unicode"
)

// terminators end a speakable sentence. Includes the CJK and ellipsis forms
// so multilingual replies segment the same way.
const terminators = ".!?;…。！？；"

func isTerminator(r rune) bool {
	return strings.ContainsRune(terminators, r)
}

// splitSentences extracts the complete sentences from buf and returns them
// with the unterminated tail. A tail longer than maxChars is force-flushed at
// the last space before the limit so TTS never waits on a sentence that
// refuses to end.
func splitSentences(buf string, maxChars int) ([]string, string) {
	var out []string
	runes := []rune(buf)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		// "3.5" is not a sentence boundary.
		if runes[i] == '.' && i > start && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			continue
		}
		// Swallow runs like "?!" and "...".
		end := i
		for end+1 < len(runes) && isTerminator(runes[end+1]) {
			end++
		}
		if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
			out = append(out, s)
		}
		i = end
		start = end + 1
	}

	rest := strings.TrimLeft(string(runes[start:]), " ")
	for len([]rune(rest)) > maxChars {
		head, tail := forceCut(rest, maxChars)
		out = append(out, head)
		rest = tail
	}
	return out, rest
}

// forceCut breaks s at the last space within the first maxChars runes, or
// hard at maxChars when there is none.
func forceCut(s string, maxChars int) (head, tail string) {
	runes := []rune(s)
	cut := maxChars
	for i := maxChars; i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])), strings.TrimLeft(string(runes[cut:]), " ")
}
