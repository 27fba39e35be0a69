package audio

// Drain reads from ch until the channel is closed, discarding all values.
// A producer blocked on ch is released once its consumer has gone away.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
