package audio

// Drain discards values from ch until it is closed and returns how many
// were dropped. Engines keep writing results until their stream is torn
// down, so an abandoned stream must still be read to completion.
func Drain[T any](ch <-chan T) int {
	n := 0
	for range ch {
		n++
	}
	return n
}
