package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/callscribe/internal/transcript/phonetic"
	"github.com/MrWong99/callscribe/pkg/types"
)

const (
	// minPhraseLen is the shortest phrase, counting letters and digits, that
	// is considered for correction.
	minPhraseLen = 3

	// maxSplitSlack bounds how much longer or shorter a phrase with one
	// extra word may be than the term it is replaced by.
	maxSplitSlack = 1

	// breaks end a phrase; a window containing one is never corrected.
	breaks = ".,;:!?"
)

// vocabulary is an immutable snapshot of the configured terms.
type vocabulary struct {
	terms    []string
	words    map[string]int
	prepared *phonetic.Entities
	maxWords int
}

// Corrector replaces misrecognized vocabulary in final hypotheses. Terms can
// be swapped at runtime with [Corrector.SetTerms]. Safe for concurrent use.
type Corrector struct {
	matcher PhoneticMatcher
	vocab   atomic.Pointer[vocabulary]
}

// NewCorrector returns a Corrector that aligns text against terms with m.
func NewCorrector(m PhoneticMatcher, terms []string) *Corrector {
	c := &Corrector{matcher: m}
	c.SetTerms(terms)
	return c
}

// SetTerms replaces the vocabulary.
func (c *Corrector) SetTerms(terms []string) {
	cp := append([]string(nil), terms...)
	v := &vocabulary{
		terms:    cp,
		words:    make(map[string]int, len(cp)),
		prepared: phonetic.PrepareEntities(cp),
	}
	for _, t := range cp {
		n := len(strings.Fields(t))
		v.words[strings.TrimSpace(t)] = n
		v.maxWords = max(v.maxWords, n)
	}
	c.vocab.Store(v)
}

// Terms returns the current vocabulary.
func (c *Corrector) Terms() []string {
	return append([]string(nil), c.vocab.Load().terms...)
}

// Apply corrects a final hypothesis and records the original text in
// RawText when anything changed. Partials pass through untouched.
func (c *Corrector) Apply(h types.Hypothesis) (types.Hypothesis, []Correction) {
	if !h.IsFinal || h.Text == "" {
		return h, nil
	}
	text, corrections := c.Correct(h.Text)
	if len(corrections) == 0 {
		return h, nil
	}
	h.RawText = h.Text
	h.Text = text
	return h, corrections
}

// Correct aligns text against the vocabulary.
//
// At each token the longest window is tried first, up to one word more than
// the longest term so compounds spoken as two words ("hub spot") are found.
// A window only replaces a term with the same number of words, or with one
// word less when the letters line up. Leading and trailing punctuation of
// the window is kept around the replacement.
func (c *Corrector) Correct(text string) (string, []Correction) {
	v := c.vocab.Load()
	if v == nil || len(v.terms) == 0 || c.matcher == nil {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	match := func(phrase string) (string, float64, bool) {
		return c.matcher.Match(phrase, v.terms)
	}
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		match = func(phrase string) (string, float64, bool) {
			return pm.MatchPrepared(phrase, v.prepared)
		}
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(v.maxWords+1, len(tokens)-i)
		consumed := 0
		for n := maxN; n >= 1; n-- {
			lead, phrase, trail := window(tokens[i : i+n])
			if letters(phrase) < minPhraseLen || strings.ContainsAny(phrase, breaks) {
				continue
			}
			term, conf, ok := match(phrase)
			if !ok || !fits(n, phrase, term, v.words[term]) {
				continue
			}
			if term != phrase {
				corrections = append(corrections, Correction{
					Original:   phrase,
					Corrected:  term,
					Confidence: conf,
					Method:     "phonetic",
				})
			}
			out = append(out, lead+term+trail)
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// window joins tokens into a phrase and splits off the punctuation before
// the first and after the last token.
func window(tokens []string) (lead, phrase, trail string) {
	joined := strings.Join(tokens, " ")
	start := strings.IndexFunc(joined, isWordRune)
	if start < 0 {
		return "", "", joined
	}
	end := strings.LastIndexFunc(joined, isWordRune)
	_, size := utf8.DecodeRuneInString(joined[end:])
	end += size
	return joined[:start], joined[start:end], joined[end:]
}

// fits reports whether a window of n words may be replaced by term, which
// has termWords words.
func fits(n int, phrase, term string, termWords int) bool {
	switch n {
	case termWords:
		return true
	case termWords + 1:
		d := letters(phrase) - letters(term)
		if d == 0 {
			return true
		}
		if d < -maxSplitSlack || d > maxSplitSlack {
			return false
		}
		// A near miss must not swallow a short neighbouring word.
		for _, w := range strings.Fields(phrase) {
			if letters(w) < minPhraseLen {
				return false
			}
		}
		return true
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if isWordRune(r) {
			n++
		}
	}
	return n
}
