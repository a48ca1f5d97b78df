package queryfilter

import "testing"

func TestNeedsRetrieval(t *testing.T) {
	tests := []struct {
		utterance string
		want      bool
	}{
		// Pure acknowledgements and fillers skip retrieval.
		{"thanks", false},
		{"Thank you!", false},
		{"ok", false},
		{"bye", false},
		{"thanks, that's all", false},
		{"okay great, thank you so much", false},
		{"", false},
		{"   ", false},

		// Questions and substantive utterances need retrieval.
		{"what does the uploaded document say about the refund policy?", true},
		{"what's the warranty period?", true},
		{"How do I file a claim", true},
		{"tell me about the pricing tiers", true},
		{"the contract mentions a penalty clause", true},
		{"is the subscription refundable", true},

		// Ambiguous input defaults to retrieval.
		{"warranty", true},
		{"something about shipping maybe", true},
	}

	f := Heuristic{}
	for _, tt := range tests {
		if got := f.NeedsRetrieval(tt.utterance); got != tt.want {
			t.Errorf("NeedsRetrieval(%q) = %v, want %v", tt.utterance, got, tt.want)
		}
	}
}

func TestDeterministic(t *testing.T) {
	f := Heuristic{}
	for i := 0; i < 3; i++ {
		if !f.NeedsRetrieval("what's in the document?") {
			t.Fatal("classification changed across identical calls")
		}
		if f.NeedsRetrieval("thanks") {
			t.Fatal("classification changed across identical calls")
		}
	}
}
