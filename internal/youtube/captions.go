package youtube

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	yt "github.com/kkdai/youtube/v2"

	"github.com/skypro1111/stt-pipeline/internal/engine"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
)

// ErrNoCaptions is returned when a video has no track in the requested language
var ErrNoCaptions = errors.New("no caption track available")

// Caption is one timed line of published captions
type Caption struct {
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
	Text     string        `json:"text"`
}

// TrackLister lists the caption tracks of a video
type TrackLister interface {
	Tracks(ctx context.Context, ref string) ([]yt.CaptionTrack, error)
}

// CaptionFetcher downloads published captions. It never touches audio.
type CaptionFetcher struct {
	tracks TrackLister
	http   *resty.Client
	logger *slog.Logger
}

// NewCaptionFetcher creates a fetcher; a nil client gets a resty default
// with a 15s timeout and two retries
func NewCaptionFetcher(tracks TrackLister, client *resty.Client, logger *slog.Logger) *CaptionFetcher {
	if client == nil {
		client = resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond)
	}
	return &CaptionFetcher{tracks: tracks, http: client, logger: logger}
}

// Fetch returns the captions of ref in language lang. An empty lang takes
// the first published track.
func (f *CaptionFetcher) Fetch(ctx context.Context, ref, lang string) ([]Caption, error) {
	tracks, err := f.tracks.Tracks(ctx, ref)
	if err != nil {
		return nil, err
	}

	track, err := SelectTrack(tracks, lang)
	if err != nil {
		return nil, fmt.Errorf("%s (%q): %w", ref, lang, err)
	}

	resp, err := f.http.R().
		SetContext(ctx).
		Get(track.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download captions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("caption download returned status %d", resp.StatusCode())
	}

	captions, err := ParseTimedText(resp.Body())
	if err != nil {
		return nil, err
	}

	f.logger.Info("Captions fetched",
		slog.String("ref", ref),
		slog.String("language", track.LanguageCode),
		slog.Bool("auto_generated", track.Kind == "asr"),
		slog.Int("lines", len(captions)),
	)
	return captions, nil
}

// SelectTrack picks the track for lang: an exact language match, then a
// regional variant ("en" matches "en-GB"). Manual tracks win over
// auto-generated ones at each step.
func SelectTrack(tracks []yt.CaptionTrack, lang string) (yt.CaptionTrack, error) {
	if len(tracks) == 0 {
		return yt.CaptionTrack{}, ErrNoCaptions
	}
	if lang == "" {
		return tracks[0], nil
	}

	matchers := []func(code string) bool{
		func(code string) bool { return strings.EqualFold(code, lang) },
		func(code string) bool {
			base, _, _ := strings.Cut(code, "-")
			want, _, _ := strings.Cut(lang, "-")
			return strings.EqualFold(base, want)
		},
	}

	for _, match := range matchers {
		var auto *yt.CaptionTrack
		for i := range tracks {
			if !match(tracks[i].LanguageCode) {
				continue
			}
			if tracks[i].Kind != "asr" {
				return tracks[i], nil
			}
			if auto == nil {
				auto = &tracks[i]
			}
		}
		if auto != nil {
			return *auto, nil
		}
	}
	return yt.CaptionTrack{}, ErrNoCaptions
}

type transcriptXML struct {
	XMLName xml.Name `xml:"transcript"`
	Lines   []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Text  string `xml:",chardata"`
	} `xml:"text"`
}

type timedTextXML struct {
	XMLName xml.Name `xml:"timedtext"`
	Body    struct {
		Paragraphs []struct {
			T        int64  `xml:"t,attr"`
			D        int64  `xml:"d,attr"`
			Text     string `xml:",chardata"`
			Segments []struct {
				Text string `xml:",chardata"`
			} `xml:"s"`
		} `xml:"p"`
	} `xml:"body"`
}

// ParseTimedText decodes both the legacy <transcript> caption document and
// the srv3 <timedtext> format. Lines with no text are skipped.
func ParseTimedText(data []byte) ([]Caption, error) {
	var legacy transcriptXML
	if err := xml.Unmarshal(data, &legacy); err == nil {
		captions := make([]Caption, 0, len(legacy.Lines))
		for _, line := range legacy.Lines {
			text := cleanText(line.Text)
			if text == "" {
				continue
			}
			captions = append(captions, Caption{
				Start:    parseSeconds(line.Start),
				Duration: parseSeconds(line.Dur),
				Text:     text,
			})
		}
		return captions, nil
	}

	var srv3 timedTextXML
	if err := xml.Unmarshal(data, &srv3); err != nil {
		return nil, fmt.Errorf("failed to parse captions: %w", err)
	}

	captions := make([]Caption, 0, len(srv3.Body.Paragraphs))
	for _, p := range srv3.Body.Paragraphs {
		raw := p.Text
		for _, s := range p.Segments {
			raw += s.Text
		}
		text := cleanText(raw)
		if text == "" {
			continue
		}
		captions = append(captions, Caption{
			Start:    time.Duration(p.T) * time.Millisecond,
			Duration: time.Duration(p.D) * time.Millisecond,
			Text:     text,
		})
	}
	return captions, nil
}

// cleanText undoes the second level of HTML escaping and folds line breaks
func cleanText(s string) string {
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// Emit replays captions into sink as final transcripts and returns how
// many were delivered before ctx ended
func Emit(ctx context.Context, captions []Caption, sessionID string, sink engine.Sink) int {
	delivered := 0
	for _, c := range captions {
		if ctx.Err() != nil {
			break
		}
		delivered++
		sink.Deliver(engine.Transcript{
			SessionID: sessionID,
			Seq:       uint64(delivered),
			Kind:      recognizer.Final,
			Text:      c.Text,
			At:        time.Now(),
		})
	}
	return delivered
}
