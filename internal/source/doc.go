// Package source provides the audio inputs feeding a transcription session.
//
// Three variants share one interface. Microphone is push driven: a capture
// device calls back on its own thread and blocks are handed to a Sink.
// LocalMedia and RemoteMedia are pull driven: an ffmpeg subprocess decodes
// media to 16-bit mono PCM and Read returns one block at a time, waiting at
// most Options.ReadTimeout before reporting ErrNoData. RemoteMedia first
// opens the remote audio stream through a Retriever and pipes it into the
// decoder.
//
// Start failures are reported as *InitError and mid-stream failures as
// *ReadError. Stop is idempotent and may follow a failed Start.
package source
