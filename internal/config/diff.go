package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on the next process start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is true if the correction terms or thresholds
	// changed. Applied to the running session's corrector.
	VocabularyChanged bool

	// KeywordsChanged is true if the recognizer keyword boosts changed.
	// Applied to open recognition streams that support it.
	KeywordsChanged bool

	// HealthChanged is true if any monitor threshold changed.
	HealthChanged bool
}

// Any reports whether at least one hot-reloadable field changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VocabularyChanged || d.KeywordsChanged || d.HealthChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.Vocabulary, new.Vocabulary
	if !slices.Equal(ov.Terms, nv.Terms) ||
		ov.PhoneticThreshold != nv.PhoneticThreshold ||
		ov.FuzzyThreshold != nv.FuzzyThreshold {
		d.VocabularyChanged = true
	}

	if !slices.Equal(old.Recognizer.Keywords, new.Recognizer.Keywords) {
		d.KeywordsChanged = true
	}

	if old.Health != new.Health {
		d.HealthChanged = true
	}

	return d
}
