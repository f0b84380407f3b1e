package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smallOptions() Options {
	return Options{
		Format:      audio.PCM16Mono(16000),
		BlockFrames: 4,
		ReadTimeout: 20 * time.Millisecond,
	}
}

type fakeStream struct {
	io.Reader
	closed int
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

type fakeDecoder struct {
	data   []byte
	err    error
	inputs []DecodeInput
	stream *fakeStream
}

func (d *fakeDecoder) Decode(_ context.Context, in DecodeInput) (Stream, error) {
	d.inputs = append(d.inputs, in)
	if d.err != nil {
		return nil, d.err
	}
	d.stream = &fakeStream{Reader: bytes.NewReader(d.data)}
	return d.stream, nil
}

func writeMediaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	return path
}

func TestBlockReaderSplitsStream(t *testing.T) {
	// 2.5 blocks of 8 bytes
	r := newBlockReader(bytes.NewReader(make([]byte, 20)), 8, 0)

	var sizes []int
	var seqs []uint64
	for {
		chunk, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, chunk.Len())
		seqs = append(seqs, chunk.Seq)
	}

	assert.Equal(t, []int{8, 8, 4}, sizes)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	_, err := r.next()
	assert.ErrorIs(t, err, io.EOF, "EOF is sticky")
}

func TestBlockReaderDropsOddTrailingByte(t *testing.T) {
	r := newBlockReader(bytes.NewReader(make([]byte, 11)), 8, 0)

	first, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, 8, first.Len())

	tail, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, 2, tail.Len())

	_, err = r.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBlockReaderDeadline(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	r := newBlockReader(pr, 8, 30*time.Millisecond)

	// half a block then silence: the partial block is kept
	_, err = pw.Write(make([]byte, 4))
	require.NoError(t, err)

	start := time.Now()
	_, err = r.next()
	assert.ErrorIs(t, err, ErrNoData)
	assert.Less(t, time.Since(start), time.Second)

	_, err = pw.Write(bytes.Repeat([]byte{1}, 4))
	require.NoError(t, err)

	chunk, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, 8, chunk.Len())
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 1, 1, 1}, chunk.Data)
}

func TestLocalMediaReadsToEOF(t *testing.T) {
	path := writeMediaFile(t)
	dec := &fakeDecoder{data: make([]byte, 20)}
	src := NewLocalMedia(path, dec, smallOptions(), testLogger())

	assert.Equal(t, ModePull, src.Mode())
	assert.Equal(t, KindLocalMedia, src.Kind())

	_, err := src.Read()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, src.Start(context.Background(), nil))
	require.Len(t, dec.inputs, 1)
	assert.Equal(t, path, dec.inputs[0].Path)

	var total int
	for {
		chunk, err := src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		total += chunk.Len()
	}
	assert.Equal(t, 20, total)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
	assert.Equal(t, 1, dec.stream.closed, "decoder is closed exactly once")
}

func TestLocalMediaInitErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		decoder *fakeDecoder
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.mp3") },
			decoder: &fakeDecoder{},
		},
		{
			name:    "directory",
			path:    func(t *testing.T) string { return t.TempDir() },
			decoder: &fakeDecoder{},
		},
		{
			name:    "decoder fails",
			path:    writeMediaFile,
			decoder: &fakeDecoder{err: errors.New("ffmpeg not found")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewLocalMedia(tt.path(t), tt.decoder, smallOptions(), testLogger())

			err := src.Start(context.Background(), nil)
			var initErr *InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, KindLocalMedia, initErr.Kind)

			assert.NoError(t, src.Stop(), "stop after failed start is safe")
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

type staticDecoder struct{ stream Stream }

func (d staticDecoder) Decode(context.Context, DecodeInput) (Stream, error) {
	return d.stream, nil
}

func TestLocalMediaReadError(t *testing.T) {
	src := NewLocalMedia(writeMediaFile(t), staticDecoder{stream: &fakeStream{Reader: failingReader{}}}, smallOptions(), testLogger())
	require.NoError(t, src.Start(context.Background(), nil))
	defer src.Stop()

	_, err := src.Read()
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, KindLocalMedia, readErr.Kind)
	assert.Contains(t, err.Error(), "broken pipe")
}

type trackingBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
	order  *[]string
}

func (b *trackingBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	*b.order = append(*b.order, "body")
	return nil
}

type orderedStream struct {
	io.Reader
	order *[]string
}

func (s *orderedStream) Close() error {
	*s.order = append(*s.order, "decoder")
	return nil
}

type pipingDecoder struct {
	order *[]string
	err   error
	calls int
}

func (d *pipingDecoder) Decode(_ context.Context, in DecodeInput) (Stream, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &orderedStream{Reader: in.Reader, order: d.order}, nil
}

func TestRemoteMediaStreamsRetrievedBody(t *testing.T) {
	var order []string
	body := &trackingBody{Reader: bytes.NewReader(make([]byte, 16)), order: &order}
	retriever := RetrieverFunc(func(_ context.Context, ref string) (io.ReadCloser, error) {
		assert.Equal(t, "dQw4w9WgXcQ", ref)
		return body, nil
	})
	dec := &pipingDecoder{order: &order}

	src := NewRemoteMedia("dQw4w9WgXcQ", retriever, dec, smallOptions(), testLogger())
	assert.Equal(t, KindRemoteMedia, src.Kind())
	assert.True(t, strings.Contains(src.String(), "dQw4w9WgXcQ"))

	require.NoError(t, src.Start(context.Background(), nil))

	chunk, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, 8, chunk.Len())

	require.NoError(t, src.Stop())
	assert.Equal(t, []string{"body", "decoder"}, order)
}

func TestRemoteMediaRetrievalFailureStartsNoDecoder(t *testing.T) {
	dec := &pipingDecoder{order: new([]string)}
	retriever := RetrieverFunc(func(context.Context, string) (io.ReadCloser, error) {
		return nil, ErrNoAudioStream
	})

	src := NewRemoteMedia("abc", retriever, dec, smallOptions(), testLogger())
	err := src.Start(context.Background(), nil)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, ErrNoAudioStream)
	assert.Zero(t, dec.calls)
	assert.NoError(t, src.Stop())
}

func TestRemoteMediaDecoderFailureClosesBody(t *testing.T) {
	var order []string
	body := &trackingBody{Reader: bytes.NewReader(nil), order: &order}
	retriever := RetrieverFunc(func(context.Context, string) (io.ReadCloser, error) {
		return body, nil
	})
	dec := &pipingDecoder{order: &order, err: errors.New("exec: ffmpeg not found")}

	src := NewRemoteMedia("abc", retriever, dec, smallOptions(), testLogger())
	require.Error(t, src.Start(context.Background(), nil))
	assert.True(t, body.closed)
	assert.NoError(t, src.Stop())
}

type fakeDevice struct {
	mu       sync.Mutex
	onData   func([]byte)
	openErr  error
	startErr error
	closes   int
}

func (d *fakeDevice) Open(_ audio.Format, _ int, onData func([]byte)) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.mu.Lock()
	d.onData = onData
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Start() error { return d.startErr }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) emit(pcm []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	fn(pcm)
}

func TestMicrophoneReblocksCallbacks(t *testing.T) {
	dev := &fakeDevice{}
	mic := NewMicrophone(dev, smallOptions(), testLogger())
	assert.Equal(t, ModePush, mic.Mode())

	var got []audio.Chunk
	sink := func(c audio.Chunk) bool {
		got = append(got, c)
		return true
	}
	require.NoError(t, mic.Start(context.Background(), sink))

	// callbacks of 6, 6 and 4 bytes produce two 8 byte blocks
	dev.emit([]byte{1, 1, 2, 2, 3, 3})
	dev.emit([]byte{4, 4, 5, 5, 6, 6})
	dev.emit([]byte{7, 7, 8, 8})

	require.Len(t, got, 2)
	assert.Equal(t, []byte{1, 1, 2, 2, 3, 3, 4, 4}, got[0].Data)
	assert.Equal(t, []byte{5, 5, 6, 6, 7, 7, 8, 8}, got[1].Data)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)

	_, err := mic.Read()
	assert.ErrorIs(t, err, ErrPushOnly)

	require.NoError(t, mic.Stop())
	require.NoError(t, mic.Stop())
	assert.Equal(t, 1, dev.closes)

	// late callbacks after stop are ignored
	dev.emit(make([]byte, 16))
	assert.Len(t, got, 2)
}

func TestMicrophoneInitErrors(t *testing.T) {
	sink := func(audio.Chunk) bool { return true }

	mic := NewMicrophone(&fakeDevice{openErr: errors.New("no input device")}, smallOptions(), testLogger())
	var initErr *InitError
	require.ErrorAs(t, mic.Start(context.Background(), sink), &initErr)
	assert.Equal(t, KindMicrophone, initErr.Kind)
	assert.NoError(t, mic.Stop())

	dev := &fakeDevice{startErr: errors.New("device busy")}
	mic = NewMicrophone(dev, smallOptions(), testLogger())
	require.ErrorAs(t, mic.Start(context.Background(), sink), &initErr)
	assert.Equal(t, 1, dev.closes, "opened device is released on start failure")

	mic = NewMicrophone(&fakeDevice{}, smallOptions(), testLogger())
	assert.Error(t, mic.Start(context.Background(), nil))
}

func TestFFmpegCommand(t *testing.T) {
	f := NewFFmpeg("/opt/ffmpeg/bin/ffmpeg", audio.PCM16Mono(16000), testLogger())

	cmd, err := f.Command(DecodeInput{Path: "talk.mp3"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cmd.Path)

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-i talk.mp3")
	assert.Contains(t, args, "-f s16le")
	assert.Contains(t, args, "-acodec pcm_s16le")
	assert.Contains(t, args, "-ac 1")
	assert.Contains(t, args, "-ar 16000")
	assert.Contains(t, args, "pipe:1")
	assert.Contains(t, args, "-nostdin")

	assert.Nil(t, cmd.Stdin)

	reader := strings.NewReader("")
	cmd, err = f.Command(DecodeInput{Reader: reader})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(cmd.Args, " "), "-i pipe:0")
	assert.NotContains(t, cmd.Args, "-nostdin")
	assert.Equal(t, reader, cmd.Stdin)

	_, err = f.Command(DecodeInput{})
	assert.Error(t, err)
	_, err = f.Command(DecodeInput{Path: "a", Reader: strings.NewReader("")})
	assert.Error(t, err)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

// standInFFmpeg writes a shell script that replaces ffmpeg and ignores its
// arguments
func standInFFmpeg(t *testing.T, script string) *FFmpeg {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stand-in decoder needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return NewFFmpeg(path, audio.PCM16Mono(16000), testLogger())
}

// readUntilEOF collects chunks, retrying while the decoder has no data yet
func readUntilEOF(t *testing.T, src Source) []audio.Chunk {
	t.Helper()
	var chunks []audio.Chunk
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := src.Read()
		switch {
		case err == nil:
			chunks = append(chunks, chunk)
		case errors.Is(err, ErrNoData):
		case errors.Is(err, io.EOF):
			return chunks
		default:
			require.NoError(t, err)
		}
	}
	t.Fatal("decoder did not reach EOF")
	return nil
}

func TestFFmpegDecodeFeedsRemoteBody(t *testing.T) {
	dec := standInFFmpeg(t, "exec cat")

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	var order []string
	body := &trackingBody{Reader: bytes.NewReader(payload), order: &order}
	retriever := RetrieverFunc(func(context.Context, string) (io.ReadCloser, error) {
		return body, nil
	})

	src := NewRemoteMedia("abc", retriever, dec, smallOptions(), testLogger())
	require.NoError(t, src.Start(context.Background(), nil))

	chunks := readUntilEOF(t, src)
	require.Len(t, chunks, 4)

	var got []byte
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Seq)
		got = append(got, c.Data...)
	}
	assert.Equal(t, payload, got)

	require.NoError(t, src.Stop())
	assert.True(t, body.closed)
}

func TestFFmpegDecodePartialBlockAtEOF(t *testing.T) {
	dec := standInFFmpeg(t, "head -c 12 /dev/zero")

	src := NewLocalMedia(writeMediaFile(t), dec, smallOptions(), testLogger())
	require.NoError(t, src.Start(context.Background(), nil))
	defer src.Stop()

	chunks := readUntilEOF(t, src)
	require.Len(t, chunks, 2)
	assert.Equal(t, 8, chunks[0].Len())
	assert.Equal(t, 4, chunks[1].Len())
}

func TestFFmpegDecodeFailureIsReadError(t *testing.T) {
	dec := standInFFmpeg(t, "echo 'pipe:0: Invalid data' >&2\nexit 1")

	src := NewLocalMedia(writeMediaFile(t), dec, smallOptions(), testLogger())
	require.NoError(t, src.Start(context.Background(), nil))
	defer src.Stop()

	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = src.Read(); !errors.Is(err, ErrNoData) {
			break
		}
	}

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, KindLocalMedia, readErr.Kind)
	assert.Contains(t, err.Error(), "Invalid data")
}

func TestFFmpegReadTimeoutAndStopKillsDecoder(t *testing.T) {
	dec := standInFFmpeg(t, "exec sleep 30")

	src := NewLocalMedia(writeMediaFile(t), dec, smallOptions(), testLogger())
	require.NoError(t, src.Start(context.Background(), nil))

	proc, ok := src.stream.(*ffmpegProcess)
	require.True(t, ok)

	started := time.Now()
	_, err := src.Read()
	assert.ErrorIs(t, err, ErrNoData)
	assert.Less(t, time.Since(started), time.Second)

	started = time.Now()
	require.NoError(t, src.Stop())
	assert.Less(t, time.Since(started), 5*time.Second)

	require.NotNil(t, proc.cmd.ProcessState)
	assert.False(t, proc.cmd.ProcessState.Success())

	_, err = src.Read()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRealtimeReadsFollowAudioClock(t *testing.T) {
	opts := Options{
		Format:      audio.PCM16Mono(16000),
		BlockFrames: 800, // 50ms
		ReadTimeout: 20 * time.Millisecond,
		Realtime:    true,
	}
	dec := &fakeDecoder{data: make([]byte, 3*1600)}

	src := NewLocalMedia(writeMediaFile(t), dec, opts, testLogger())
	require.NoError(t, src.Start(context.Background(), nil))
	defer src.Stop()

	started := time.Now()
	_, err := src.Read()
	require.NoError(t, err, "first block is due immediately")

	// the next block is 50ms out, beyond one read timeout
	_, err = src.Read()
	assert.ErrorIs(t, err, ErrNoData)

	chunks := readUntilEOF(t, src)
	assert.Len(t, chunks, 2)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
}
