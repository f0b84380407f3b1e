// Package vad provides energy-based Voice Activity Detection over fixed-size
// PCM-16 windows. It feeds the utterance segmenter of the HTTP recognizer.
package vad
