// Package phonetic implements the [transcript.PhoneticMatcher] interface using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection. It is tuned for business
// vocabulary that recognizers mishear: product names, company names and
// jargon ("hub spot" for "HubSpot").
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each known term. If any code from the
//     input overlaps with any code from a term, the term becomes a phonetic
//     candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (case-insensitive) is selected when its
//     score reaches the phonetic threshold. Without a phonetic candidate a
//     pure Jaro-Winkler pass uses the higher fuzzy threshold.
//
// Multi-word terms (e.g., "Google Cloud") are compared on the full and
// space-stripped strings and, for phrases of equal length, word by word.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic vocabulary matcher. It implements [transcript.PhoneticMatcher].
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match attempts to find the term from terms that is most phonetically
// similar to word.
//
// word may be a single word or a space-separated phrase. Return values follow
// the [transcript.PhoneticMatcher] contract: when matched is false, corrected
// equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareEntities(terms))
}

// Entities is a term list with its phonetic codes computed once. It is
// read-only and safe for concurrent use.
type Entities struct {
	entries  []entry
	maxWords int
}

type entry struct {
	term   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// PrepareEntities precomputes the codes for terms. Blank terms are dropped.
func PrepareEntities(terms []string) *Entities {
	es := &Entities{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		es.entries = append(es.entries, entry{
			term:   strings.TrimSpace(t),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		es.maxWords = max(es.maxWords, len(tokens))
	}
	return es
}

// MaxWords returns the word count of the longest term, or 0 when empty.
func (es *Entities) MaxWords() int { return es.maxWords }

// Len returns the number of terms.
func (es *Entities) Len() int { return len(es.entries) }

// MatchPrepared is [Matcher.Match] against precomputed terms.
func (m *Matcher) MatchPrepared(word string, es *Entities) (corrected string, confidence float64, matched bool) {
	if es == nil || len(es.entries) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, e := range es.entries {
		phoneticMatch := codesOverlap(inputCodes, e.codes)
		jwScore := bestJWScore(wordTokens, e.tokens, wordLower, e.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: e.term, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: e.term, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
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

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
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

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and a term using three strategies:
//
//  1. Full-string comparison ("hub spot" vs "hubspot").
//  2. Space-stripped comparison ("hubspot" vs "hubspot").
//  3. Word-by-word comparison when both sides have the same number of
//     words, scored by the weakest pair so one shared word ("the cloud" vs
//     "Google Cloud") is not enough.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(inputFull, termFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: aligned words.
	if len(inputTokens) < 2 || len(inputTokens) != len(termTokens) {
		return score
	}
	weakest := 1.0
	for i, it := range inputTokens {
		weakest = min(weakest, matchr.JaroWinkler(it, termTokens[i], false))
	}
	return max(score, weakest)
}
