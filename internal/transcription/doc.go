// Package transcription implements the HTTP transcription backend.
//
// Client posts WAV encoded utterances to the transcription API as multipart
// form data, with retries and exponential backoff, and bounds concurrent
// requests with a semaphore. Recognizer adapts it to the streaming
// recognizer interface by cutting the incoming audio into utterances with
// voice activity detection.
package transcription
