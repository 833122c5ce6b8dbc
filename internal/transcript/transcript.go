// Package transcript corrects domain vocabulary in recognized text before it
// is emitted.
//
// Recognizers routinely mishear product names, company names and jargon
// ("sales force", "hub spot"). A [Corrector] aligns final hypotheses against
// a configured term list with a [PhoneticMatcher] and keeps the engine's
// original wording in RawText so consumers can audit every substitution.
package transcript

// Correction captures a single substitution made by the corrector.
type Correction struct {
	// Original is the phrase as produced by the recognizer.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0–1.0).
	Confidence float64

	// Method names the stage that produced the substitution ("phonetic").
	Method string
}

// PhoneticMatcher resolves a word or phrase to a known term based on
// pronunciation similarity. It runs on the recognition goroutine and must
// not make network calls.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match returns the term from terms most similar to word. When matched is
	// false, corrected equals word and confidence is 0.
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}
