// Package transcript corrects speech-to-text output before it reaches the
// conversation loop.
//
// Phone-grade STT reliably mangles domain vocabulary: product names, company
// names, claim field terms. The corrector aligns recognized words against a
// per-call keyword list using Double Metaphone phonetic codes, ranked by
// Jaro-Winkler similarity, and rewrites near-misses in place. Keywords come
// from the Call (bot and company names, claim schema terms) plus configured
// extras.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/voxloop/voxloop/internal/call"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// maxNGram bounds the window tested against multi-word keywords.
	maxNGram = 3
)

// Correction records one rewritten span.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// Corrector rewrites STT output toward a known vocabulary. Read-only after
// construction, safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	extra             []string
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score accepted for a
// phonetically matched keyword. Default 0.70.
func WithPhoneticThreshold(t float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = t
	}
}

// WithFuzzyThreshold sets the minimum score for the pure-similarity fallback
// used when no phonetic candidate exists. Default 0.85.
func WithFuzzyThreshold(t float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = t
	}
}

// WithKeywords adds a static vocabulary applied to every call.
func WithKeywords(words ...string) Option {
	return func(c *Corrector) {
		c.extra = append(c.extra, words...)
	}
}

// New returns a corrector with default thresholds.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Vocabulary derives the keyword list for one call: bot name, company, claim
// schema terms, and the static extras.
func (c *Corrector) Vocabulary(cl *call.Call) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(w string) {
		w = strings.TrimSpace(w)
		if w == "" {
			return
		}
		key := strings.ToLower(w)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}

	add(cl.Initiate.BotName)
	add(cl.Initiate.BotCompany)
	for _, f := range cl.Initiate.ClaimSchema {
		// "policy_number" contributes "policy number".
		add(strings.ReplaceAll(f.Name, "_", " "))
	}
	for _, w := range c.extra {
		add(w)
	}
	return out
}

// Correct rewrites text toward keywords and reports the spans it changed.
// With an empty vocabulary the text is returned unchanged.
func (c *Corrector) Correct(text string, keywords []string) (string, []Correction) {
	if len(keywords) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	words := strings.Fields(text)
	var (
		out         []string
		corrections []Correction
	)

	for i := 0; i < len(words); {
		// Longest n-gram first so multi-word keywords win over their parts.
		matchedLen := 0
		var matched Correction
		for n := min(maxNGram, len(words)-i); n >= 1; n-- {
			span := strings.Join(words[i:i+n], " ")
			corrected, score, ok := c.match(span, keywords)
			if !ok || strings.EqualFold(corrected, span) {
				continue
			}
			matched = Correction{Original: span, Corrected: corrected, Score: score}
			matchedLen = n
			break
		}
		if matchedLen == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, matched.Corrected)
		corrections = append(corrections, matched)
		i += matchedLen
	}
	return strings.Join(out, " "), corrections
}

// match finds the best keyword for span. When matched is false the span is
// returned unchanged with score 0.
func (c *Corrector) match(span string, keywords []string) (string, float64, bool) {
	spanLower := strings.ToLower(strings.Trim(span, ".,;:!?"))
	if spanLower == "" {
		return span, 0, false
	}
	spanTokens := strings.Fields(spanLower)
	spanCodes := metaphoneCodes(spanTokens)

	var (
		bestKeyword  string
		bestScore    float64
		bestPhonetic bool
	)
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		kwTokens := strings.Fields(kwLower)

		phonetic := codesOverlap(spanCodes, metaphoneCodes(kwTokens))
		score := similarity(spanTokens, kwTokens, spanLower, kwLower)

		// A span absorbing a different number of words than the keyword has
		// must clear the strict threshold even with phonetic overlap, or
		// surrounding words get swallowed by one similar-sounding token.
		threshold := c.fuzzyThreshold
		if phonetic && len(spanTokens) == len(kwTokens) {
			threshold = c.phoneticThreshold
		}

		switch {
		case phonetic && score >= threshold:
			if !bestPhonetic || score > bestScore {
				bestKeyword, bestScore, bestPhonetic = kw, score, true
			}
		case !phonetic && !bestPhonetic && score >= threshold && score > bestScore:
			bestKeyword, bestScore = kw, score
		}
	}
	if bestKeyword == "" {
		return span, 0, false
	}
	return bestKeyword, bestScore, true
}

// metaphoneCodes returns the union of Double Metaphone codes over tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score across full strings, the
// space-stripped concatenations, and, for spans of matching length, the
// positional token average. Averaging rather than taking the best pair keeps
// one similar-sounding token from carrying an otherwise unrelated span.
func similarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	if len(aTokens) == len(bTokens) {
		sum := 0.0
		for i := range aTokens {
			sum += matchr.JaroWinkler(aTokens[i], bTokens[i], false)
		}
		if s := sum / float64(len(aTokens)); s > score {
			score = s
		}
	}
	return score
}
