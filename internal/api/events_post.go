package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/triplestream/eventlog/internal/events"
)

// handlePostEvent ingests one multipart event. The `event` part is JSON
// routed to a consumer by its categoryName; the optional `payload` part
// rides along untouched.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if err := r.ParseMultipartForm(s.config.MaxRequestSize); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			WriteMessage(w, r, s.logger, http.StatusBadRequest, "Not multipart request")

			return
		}

		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Malformed event body")

		return
	}

	body, ok := s.formPart(r, "event")
	if !ok {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Missing event part")

		return
	}

	var head struct {
		CategoryName string `json:"categoryName"`
	}

	if err := json.Unmarshal(body, &head); err != nil || head.CategoryName == "" {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Malformed event body")

		return
	}

	consumer, ok := s.consumers[events.Category(head.CategoryName)]
	if !ok {
		s.writeResult(w, r, Unsupported())

		return
	}

	payload, _ := s.formPart(r, "payload")

	s.writeResult(w, r, consumer.Consume(r.Context(), body, events.Payload(payload)))
}

// writeResult renders a consumer result as the response envelope.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, result Result) {
	WriteMessage(w, r, s.logger, result.status(), result.text())
}

// formPart returns the named multipart part, whether it arrived as a plain
// form value or as a file.
func (s *Server) formPart(r *http.Request, name string) ([]byte, bool) {
	form := r.MultipartForm
	if form == nil {
		return nil, false
	}

	if values := form.Value[name]; len(values) > 0 {
		return []byte(values[0]), true
	}

	files := form.File[name]
	if len(files) == 0 {
		return nil, false
	}

	file, err := files[0].Open()
	if err != nil {
		s.logger.Error("failed to open multipart part",
			slog.String("part", name),
			slog.String("error", err.Error()),
		)

		return nil, false
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("failed to read multipart part",
			slog.String("part", name),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	return data, true
}
