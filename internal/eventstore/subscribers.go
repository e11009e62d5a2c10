package eventstore

import (
	"context"
	"fmt"
	"log/slog"
)

// SubscriberRecord is the persisted form of a registered subscriber.
// source_url identifies which event log instance owns the registration, so
// several instances can share one database.
type SubscriberRecord struct {
	DeliveryID  string
	DeliveryURL string
	SourceURL   string
	Capacity    *int
}

// UpsertSubscriber inserts or refreshes a subscriber registration. A
// re-subscribing worker keeps its (delivery_url, source_url) identity and
// may bring a new delivery id or capacity.
func (s *Store) UpsertSubscriber(ctx context.Context, record SubscriberRecord) error {
	const query = `
		INSERT INTO subscriber (delivery_id, delivery_url, source_url, capacity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (delivery_url, source_url)
		DO UPDATE SET delivery_id = EXCLUDED.delivery_id,
		              capacity = EXCLUDED.capacity`

	var capacity any
	if record.Capacity != nil {
		capacity = *record.Capacity
	}

	_, err := s.conn.ExecContext(ctx, query,
		record.DeliveryID, record.DeliveryURL, record.SourceURL, capacity)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert subscriber %s: %w",
			ErrEventStoreFailed, record.DeliveryURL, err)
	}

	s.logger.DebugContext(ctx, "subscriber upserted",
		slog.String("delivery_url", record.DeliveryURL),
		slog.String("delivery_id", record.DeliveryID),
	)

	return nil
}

// DeleteSubscriber removes a registration, typically after a misdelivery
// showed the worker is gone.
func (s *Store) DeleteSubscriber(ctx context.Context, deliveryURL, sourceURL string) error {
	const query = `DELETE FROM subscriber WHERE delivery_url = $1 AND source_url = $2`

	if _, err := s.conn.ExecContext(ctx, query, deliveryURL, sourceURL); err != nil {
		return fmt.Errorf("%w: failed to delete subscriber %s: %w",
			ErrEventStoreFailed, deliveryURL, err)
	}

	return nil
}

// ListSubscribers returns the registrations owned by this instance, used to
// warm the in-memory registries after a restart.
func (s *Store) ListSubscribers(ctx context.Context, sourceURL string) ([]SubscriberRecord, error) {
	const query = `
		SELECT delivery_id, delivery_url, source_url, capacity
		FROM subscriber
		WHERE source_url = $1
		ORDER BY delivery_url`

	rows, err := s.conn.QueryContext(ctx, query, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list subscribers: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var records []SubscriberRecord

	for rows.Next() {
		var (
			record   SubscriberRecord
			capacity *int
		)

		if err := rows.Scan(&record.DeliveryID, &record.DeliveryURL, &record.SourceURL, &capacity); err != nil {
			return nil, fmt.Errorf("%w: failed to scan subscriber: %w", ErrEventStoreFailed, err)
		}

		record.Capacity = capacity
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: subscriber listing aborted: %w", ErrEventStoreFailed, err)
	}

	return records, nil
}
