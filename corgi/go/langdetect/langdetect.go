// Package langdetect infers the language of post text. Upstream servers
// usually label statuses; this is the fallback for unlabeled posts found
// while crawling.
package langdetect

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

// Unknown is returned when the text is too short or detection is not
// trustworthy.
const Unknown = "unknown"

// minRunes is the floor below which trigram detection is noise.
const minRunes = 8

// confidenceFloor discards low-certainty guesses.
const confidenceFloor = 0.25

// Result is one detection outcome.
type Result struct {
	// Language is an ISO 639-1 code, or Unknown.
	Language   string
	Confidence float64
}

// Detect returns the language of plain text.
func Detect(text string) Result {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minRunes {
		return Result{Language: Unknown}
	}
	info := whatlanggo.Detect(text)
	if info.Lang == -1 || info.Confidence < confidenceFloor {
		return Result{Language: Unknown, Confidence: info.Confidence}
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return Result{Language: Unknown, Confidence: info.Confidence}
	}
	return Result{Language: code, Confidence: info.Confidence}
}

// DetectHTML strips markup before detection. Post bodies arrive as HTML
// fragments.
func DetectHTML(html string) Result {
	return Detect(StripTags(html))
}

// DetectBatch returns one Result per input, in input order.
func DetectBatch(texts []string) []Result {
	out := make([]Result, len(texts))
	for i, t := range texts {
		out[i] = Detect(t)
	}
	return out
}

// StripTags removes HTML tags and unescapes the handful of entities that
// appear in post bodies. It is not a sanitizer; the output is only fed to
// the detector.
func StripTags(html string) string {
	var b strings.Builder
	b.Grow(len(html))
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	s := b.String()
	for entity, repl := range map[string]string{
		"&amp;":  "&",
		"&lt;":   "<",
		"&gt;":   ">",
		"&quot;": `"`,
		"&#39;":  "'",
		"&nbsp;": " ",
	} {
		s = strings.ReplaceAll(s, entity, repl)
	}
	return strings.Join(strings.Fields(s), " ")
}
