package queryfilter

import (
	"strings"

	"github.com/pandega/wicara/domain/repositories"
)

// Heuristic classifies a finalized caller utterance as retrieval-worthy or
// not. It is stateless, deterministic, and pure string work, so it never
// becomes a latency bottleneck. Ambiguous input defaults to retrieval: a
// spurious lookup costs latency, a missed one costs answer quality.
type Heuristic struct{}

var _ repositories.QueryClassifier = Heuristic{}

// Pure acknowledgements and fillers that never need a knowledge-base lookup.
var skipPhrases = map[string]struct{}{
	"thanks": {}, "thank you": {}, "bye": {}, "goodbye": {}, "okay": {},
	"ok": {}, "yes": {}, "no": {}, "sure": {}, "alright": {}, "got it": {},
	"cool": {}, "nice": {}, "great": {}, "hello": {}, "hi": {}, "hey": {},
	"hmm": {}, "hm": {}, "uh": {}, "um": {}, "yeah": {}, "yep": {}, "nope": {},
}

// Words that only ever appear in filler utterances. An utterance made up
// entirely of these is treated as an acknowledgement, e.g. "thanks, that's
// all" or "okay great thank you so much".
var fillerWords = map[string]struct{}{
	"thanks": {}, "thank": {}, "you": {}, "bye": {}, "goodbye": {},
	"okay": {}, "ok": {}, "yes": {}, "no": {}, "sure": {}, "alright": {},
	"got": {}, "it": {}, "cool": {}, "nice": {}, "great": {}, "hello": {},
	"hi": {}, "hey": {}, "hmm": {}, "hm": {}, "uh": {}, "um": {},
	"yeah": {}, "yep": {}, "nope": {}, "that's": {}, "thats": {}, "all": {},
	"a": {}, "lot": {}, "so": {}, "much": {}, "good": {}, "now": {},
	"then": {}, "fine": {}, "perfect": {},
}

var interrogatives = map[string]struct{}{
	"what": {}, "who": {}, "where": {}, "when": {}, "why": {}, "how": {},
	"which": {}, "whose": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "would": {},
	"should": {}, "will": {}, "tell": {}, "explain": {}, "describe": {},
}

// NeedsRetrieval implements repositories.QueryClassifier.
func (Heuristic) NeedsRetrieval(utterance string) bool {
	raw := strings.TrimSpace(utterance)
	if raw == "" {
		return false
	}

	hasQuestionMark := strings.Contains(raw, "?")
	cleaned := normalize(raw)
	if cleaned == "" {
		return false
	}

	if hasQuestionMark {
		return true
	}
	if _, ok := skipPhrases[cleaned]; ok {
		return false
	}

	words := strings.Fields(cleaned)
	if _, ok := interrogatives[words[0]]; ok {
		return true
	}

	allFiller := true
	for _, w := range words {
		if _, ok := fillerWords[w]; !ok {
			allFiller = false
			break
		}
	}
	if allFiller {
		return false
	}

	// Anything with substance defaults to retrieval.
	return true
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	replacer := strings.NewReplacer(".", "", ",", "", "!", "", "?", "")
	return strings.TrimSpace(replacer.Replace(s))
}
