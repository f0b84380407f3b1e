// Command mockasr is a stand-in transcription API for local runs of the
// HTTP recognizer backend. It validates the multipart request the
// transcription client sends and answers with a fixed text.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/transcription"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "this is a test transcription", "Text returned for every utterance")
	latency := flag.Duration("latency", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle("/transcribe", newHandler(*text, *latency, logger))

	logger.Info("Mock transcription server starting",
		slog.String("endpoint", "http://localhost"+*addr+"/transcribe"),
	)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newHandler(text string, latency time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, "Invalid WAV payload: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}

		logger.Info("Transcription request",
			slog.String("request_id", r.FormValue("request_id")),
			slog.String("utterance_id", r.FormValue("utterance_id")),
			slog.String("filename", header.Filename),
			slog.Int("sample_rate", info.Format.SampleRate),
			slog.Duration("audio_duration", info.Duration),
			slog.String("language", r.FormValue("language")),
		)

		if latency > 0 {
			time.Sleep(latency)
		}

		duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)
		response := transcription.Response{
			Text:        text,
			Confidence:  0.95,
			Language:    r.FormValue("language"),
			Duration:    duration,
			ProcessedAt: time.Now(),
		}

		if r.FormValue("response_format") == "text" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, text)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}
