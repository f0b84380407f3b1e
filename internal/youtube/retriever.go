package youtube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	yt "github.com/kkdai/youtube/v2"

	"github.com/skypro1111/stt-pipeline/internal/source"
)

// Retriever resolves videos and opens their audio-only streams. It
// implements source.Retriever for RemoteMedia.
type Retriever struct {
	client *yt.Client
	logger *slog.Logger
}

// NewRetriever creates a retriever; a nil httpClient uses http.DefaultClient
func NewRetriever(httpClient *http.Client, logger *slog.Logger) *Retriever {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Retriever{
		client: &yt.Client{HTTPClient: httpClient},
		logger: logger,
	}
}

// Retrieve opens the audio stream of the video identified by ref, which may
// be a watch URL or a bare video ID
func (r *Retriever) Retrieve(ctx context.Context, ref string) (io.ReadCloser, error) {
	video, err := r.client.GetVideoContext(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve video: %w", err)
	}

	format, err := pickAudioFormat(video.Formats)
	if err != nil {
		return nil, err
	}

	stream, size, err := r.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	r.logger.Info("Remote audio stream opened",
		slog.String("video_id", video.ID),
		slog.String("title", video.Title),
		slog.Int("itag", format.ItagNo),
		slog.String("mime_type", format.MimeType),
		slog.Int64("size", size),
	)
	return stream, nil
}

// Tracks lists the caption tracks published for a video
func (r *Retriever) Tracks(ctx context.Context, ref string) ([]yt.CaptionTrack, error) {
	video, err := r.client.GetVideoContext(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve video: %w", err)
	}
	return video.CaptionTracks, nil
}

// pickAudioFormat selects the audio-only format with the lowest bitrate,
// preferring mp4 containers
func pickAudioFormat(formats yt.FormatList) (*yt.Format, error) {
	var best *yt.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") || f.AudioChannels == 0 {
			continue
		}
		if best == nil || better(f, best) {
			best = f
		}
	}
	if best == nil {
		return nil, source.ErrNoAudioStream
	}
	return best, nil
}

func better(a, b *yt.Format) bool {
	aMP4 := strings.HasPrefix(a.MimeType, "audio/mp4")
	bMP4 := strings.HasPrefix(b.MimeType, "audio/mp4")
	if aMP4 != bMP4 {
		return aMP4
	}
	return a.Bitrate < b.Bitrate
}
