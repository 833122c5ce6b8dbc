package transcript_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/internal/transcript/phonetic"
	"github.com/MrWong99/callscribe/pkg/types"
)

var terms = []string{"HubSpot", "Salesforce", "Google Cloud"}

func TestCorrector_Correct(t *testing.T) {
	t.Parallel()
	c := transcript.NewCorrector(phonetic.New(), terms)

	tests := []struct {
		name  string
		in    string
		want  string
		fixes int
	}{
		{"split compound", "we moved our crm to sales force last year", "we moved our crm to Salesforce last year", 1},
		{"punctuation kept", "do you use hub spot?", "do you use HubSpot?", 1},
		{"multi-word term", "google clowd hosts our data", "Google Cloud hosts our data", 1},
		{"near miss", "hub spott works", "HubSpot works", 1},
		{"neighbour kept", "Salesforce is great, HubSpot a bit less", "Salesforce is great, HubSpot a bit less", 0},
		{"shared word only", "the cloud is down", "the cloud is down", 0},
		{"nothing to fix", "hello how are you", "hello how are you", 0},
		{"empty", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fixes := c.Correct(tt.in)
			if got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(fixes) != tt.fixes {
				t.Errorf("corrections = %+v, want %d", fixes, tt.fixes)
			}
			for _, f := range fixes {
				if f.Method != "phonetic" || f.Confidence <= 0 || f.Confidence > 1 {
					t.Errorf("correction %+v", f)
				}
			}
		})
	}
}

func TestCorrector_Apply(t *testing.T) {
	t.Parallel()
	c := transcript.NewCorrector(phonetic.New(), terms)

	partial := types.Hypothesis{Role: types.RolePrimary, Text: "sales force"}
	if got, fixes := c.Apply(partial); got != partial || fixes != nil {
		t.Errorf("partial changed: %+v", got)
	}

	final := types.Hypothesis{Role: types.RolePrimary, Text: "sales force", IsFinal: true, Confidence: 0.8}
	got, fixes := c.Apply(final)
	if got.Text != "Salesforce" || got.RawText != "sales force" {
		t.Errorf("final = %+v, want corrected text with raw text kept", got)
	}
	if got.Confidence != 0.8 || !got.IsFinal {
		t.Errorf("Apply must only touch text: %+v", got)
	}
	if len(fixes) != 1 || fixes[0].Original != "sales force" || fixes[0].Corrected != "Salesforce" {
		t.Errorf("corrections = %+v", fixes)
	}

	clean := types.Hypothesis{Text: "all good here", IsFinal: true}
	if got, _ := c.Apply(clean); got.RawText != "" || got.Text != clean.Text {
		t.Errorf("unchanged final = %+v", got)
	}
}

func TestCorrector_SetTerms(t *testing.T) {
	t.Parallel()
	c := transcript.NewCorrector(phonetic.New(), nil)
	if got, _ := c.Correct("sales force"); got != "sales force" {
		t.Errorf("empty vocabulary corrected to %q", got)
	}

	c.SetTerms(terms)
	if got, _ := c.Correct("sales force"); got != "Salesforce" {
		t.Errorf("after SetTerms got %q", got)
	}
	got := c.Terms()
	got[0] = "mutated"
	if c.Terms()[0] != "HubSpot" {
		t.Error("Terms must return a copy")
	}
}

// upperMatcher matches any word that equals a term ignoring case.
type upperMatcher struct{}

func (upperMatcher) Match(word string, terms []string) (string, float64, bool) {
	for _, t := range terms {
		if strings.EqualFold(word, t) {
			return t, 1, true
		}
	}
	return word, 0, false
}

func TestCorrector_CustomMatcher(t *testing.T) {
	t.Parallel()
	c := transcript.NewCorrector(upperMatcher{}, []string{"ACME", "Kubernetes"})
	got, fixes := c.Correct("acme runs kubernetes, obviously.")
	if want := "ACME runs Kubernetes, obviously."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if len(fixes) != 2 {
		t.Errorf("corrections = %+v", fixes)
	}
}
