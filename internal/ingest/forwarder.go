// Package ingest bridges commit events from Kafka into the event log. The
// consumer reads the commit topic and re-envelopes each message as a CREATION
// multipart request against the event-log events endpoint. A message's offset
// is committed only once the event log took a position on it: accepted, or
// rejected for cause. Transient answers keep the message in flight.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome classifies what the event log made of one forwarded message.
type Outcome int

const (
	// Forwarded means the event log accepted the commit event.
	Forwarded Outcome = iota

	// Rejected means the event log refused the message for cause; replaying
	// it would not change the answer.
	Rejected
)

// Forwarder posts commit messages to the event log. Transport faults, busy
// answers and server errors are retried with exponential backoff inside the
// forward budget; verdicts are final.
type Forwarder struct {
	client   *http.Client
	endpoint string
	budget   time.Duration
	logger   *slog.Logger
}

// NewForwarder creates a forwarder towards the configured events endpoint.
func NewForwarder(config *Config, logger *slog.Logger) *Forwarder {
	budget := config.ForwardBudget
	if budget <= 0 {
		budget = defaultForwardBudget
	}

	return &Forwarder{
		client:   &http.Client{Timeout: defaultRequestTimeout},
		endpoint: config.Endpoint,
		budget:   budget,
		logger:   logger,
	}
}

// commitMessage is the commit-topic message shape. Raw fields pass through
// untouched; the bridge re-envelopes, it does not interpret.
type commitMessage struct {
	CategoryName string          `json:"categoryName"`
	ID           string          `json:"id"`
	Project      json.RawMessage `json:"project"`
	Date         json.RawMessage `json:"date"`
	BatchDate    json.RawMessage `json:"batchDate,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Status       string          `json:"status,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Forward posts one commit message. The error is non-nil only when the
// forward budget ran out before the event log took a position; the caller
// decides whether to try again.
func (f *Forwarder) Forward(ctx context.Context, message []byte) (Outcome, error) {
	body, contentType, err := f.envelope(message)
	if err != nil {
		f.logger.WarnContext(ctx, "dropping undecodable commit message",
			slog.String("error", err.Error()),
		)

		return Rejected, nil
	}

	var (
		outcome Outcome
		cause   error
	)

	// Backoff state is per message; the budget bounds the whole forward.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.budget

	err = backoff.Retry(func() error {
		var retriable bool

		outcome, retriable, cause = f.attempt(ctx, contentType, body)
		if retriable {
			f.logger.DebugContext(ctx, "forward attempt failed, retrying",
				slog.String("error", cause.Error()),
			)

			return cause
		}

		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return outcome, fmt.Errorf("forward kept failing: %w", err)
	}

	if outcome == Rejected {
		f.logger.WarnContext(ctx, "event log rejected commit message",
			slog.String("error", cause.Error()),
		)
	}

	return outcome, nil
}

// attempt posts the enveloped message once. retriable marks transport faults,
// busy answers and server errors, all worth another try within the budget.
func (f *Forwarder) attempt(
	ctx context.Context,
	contentType string,
	body []byte,
) (outcome Outcome, retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return Rejected, false, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return Forwarded, true, fmt.Errorf("request to %s failed: %w", f.endpoint, err)
	}

	defer func() { _ = resp.Body.Close() }()

	answer, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Forwarded, false, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Busy and broken both pass; the answer may differ next time.
		return Forwarded, true, fmt.Errorf("event log answered %d: %s", resp.StatusCode, answer)

	default:
		return Rejected, false, fmt.Errorf("event log answered %d: %s", resp.StatusCode, answer)
	}
}

// envelope turns the raw commit message into a CREATION multipart body.
func (f *Forwarder) envelope(message []byte) ([]byte, string, error) {
	var commit commitMessage
	if err := json.Unmarshal(message, &commit); err != nil {
		return nil, "", fmt.Errorf("commit message is not json: %w", err)
	}

	commit.CategoryName = "CREATION"

	event, err := json.Marshal(commit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to envelope commit message: %w", err)
	}

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormField("event")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create event part: %w", err)
	}

	if _, err := part.Write(event); err != nil {
		return nil, "", fmt.Errorf("failed to write event part: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}
