// Package youtube retrieves remote video audio and published captions.
//
// Retriever resolves a watch URL or video ID and opens the audio-only stream
// that RemoteMedia pipes into its decoder. CaptionFetcher is independent of
// the audio pipeline: it downloads the timed-text track for a language and
// returns already transcribed lines.
package youtube
