package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRequestTimeout = 10 * time.Second

// SendResult classifies one delivery attempt towards a subscriber.
type SendResult int

const (
	// SendDelivered means the subscriber accepted the event.
	SendDelivered SendResult = iota

	// SendTemporarilyUnavailable means the subscriber exists but cannot
	// take the event right now; it earns a busy window and the event goes
	// to another subscriber.
	SendTemporarilyUnavailable

	// SendMisdelivered means the subscriber is gone (refused, unresolvable,
	// failed handshake); it is dropped and the event rolled back.
	SendMisdelivered

	// SendFatal means the subscriber rejected the event as malformed; the
	// delivery must not be repeated.
	SendFatal
)

// EventsSender posts events to subscribers as multipart/form-data: an
// `event` part carrying the JSON envelope and, for events with a stored
// artifact, a `payload` part carrying the zipped bytes. Transport flaps are
// retried with exponential backoff inside the request timeout budget;
// subscriber answers are classified, never retried here.
type EventsSender struct {
	client         *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewEventsSender creates a sender. A non-positive requestTimeout falls back
// to ten seconds.
func NewEventsSender(requestTimeout time.Duration, logger *slog.Logger) *EventsSender {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &EventsSender{
		client:         &http.Client{Timeout: requestTimeout},
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Send implements Sender. The returned error carries the cause for every
// result but SendDelivered.
func (s *EventsSender) Send(ctx context.Context, url string, event *SendableEvent) (SendResult, error) {
	body, contentType, err := encodeMultipart(event)
	if err != nil {
		return SendFatal, err
	}

	var (
		result SendResult
		cause  error
	)

	// Backoff state is per send; the budget equals one request timeout.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.requestTimeout

	err = backoff.Retry(func() error {
		var retriable bool

		result, retriable, cause = s.attempt(ctx, url, contentType, body)
		if retriable {
			s.logger.DebugContext(ctx, "send attempt failed, retrying",
				slog.String("subscriber", url),
				slog.String("error", cause.Error()),
			)

			return cause
		}

		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return SendTemporarilyUnavailable, fmt.Errorf("subscriber %s kept failing: %w", url, err)
	}

	return result, cause
}

// attempt posts the encoded event once. retriable marks transport faults
// worth another try within the backoff budget.
func (s *EventsSender) attempt(
	ctx context.Context,
	url string,
	contentType string,
	body []byte,
) (result SendResult, retriable bool, cause error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendFatal, false, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		if subscriberGone(err) {
			return SendMisdelivered, false, fmt.Errorf("subscriber %s unreachable: %w", url, err)
		}

		return SendTemporarilyUnavailable, true, fmt.Errorf("request to %s failed: %w", url, err)
	}

	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, url)
}

// classifyStatus maps a subscriber's HTTP answer to a send result.
func classifyStatus(code int, url string) (SendResult, bool, error) {
	switch {
	case code >= 200 && code < 300:
		return SendDelivered, false, nil
	case code == http.StatusNotFound, code == http.StatusTooManyRequests, code >= 500:
		return SendTemporarilyUnavailable, false, fmt.Errorf("subscriber %s answered %d", url, code)
	default:
		return SendFatal, false, fmt.Errorf("subscriber %s rejected the event with status %d", url, code)
	}
}

// subscriberGone reports whether the transport error means the subscriber no
// longer exists at its URL: refused connections, unresolvable names and
// failed TLS verification. Timeouts are a busy subscriber, not a gone one.
func subscriberGone(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}

// encodeMultipart renders the request body once; retries replay the bytes.
func encodeMultipart(event *SendableEvent) ([]byte, string, error) {
	envelope, err := event.EncodeEnvelope()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormField("event")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create event part: %w", err)
	}

	if _, err := part.Write(envelope); err != nil {
		return nil, "", fmt.Errorf("failed to write event part: %w", err)
	}

	if len(event.Payload) > 0 {
		file, err := writer.CreateFormFile("payload", "payload")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create payload part: %w", err)
		}

		if _, err := file.Write(event.Payload); err != nil {
			return nil, "", fmt.Errorf("failed to write payload part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}
