// Package recognizer defines the streaming speech recognizer boundary the
// transcription engine feeds, the JSON result decoding shared by all backends,
// and the Vosk backend.
package recognizer
