// Package engine orchestrates transcription sessions.
//
// A session wires an audio source to a recognizer through a bounded queue.
// Pull sources are read by a producer goroutine; push sources enqueue from
// their own callback thread while the producer only waits for a stop
// condition. A single consumer goroutine feeds queued chunks to the
// recognizer and delivers results to a Sink.
//
// Every session moves Idle → Running → Stopping → Stopped. On any exit path
// the source is stopped exactly once, the queue is drained, the recognizer
// is flushed, and both goroutines are joined before Transcribe returns.
package engine
