// Package audio holds the PCM chunk model and the bounded chunk queue that sits
// between audio sources and the recognizer feed loop. It also provides the
// utterance segmenter and WAV encoding used by the HTTP recognizer backend.
package audio
