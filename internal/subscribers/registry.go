// Package subscribers keeps the per-category registries of worker
// subscribers. A registry hands subscriber URLs out to its dispatcher
// round-robin, parks callers while every subscriber is busy, and returns
// busy subscribers to the rotation once their busy window expires.
package subscribers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
)

const (
	defaultBusySleep       = 5 * time.Second
	defaultCheckupInterval = 500 * time.Millisecond
	shutdownTimeout        = 5 * time.Second
)

type (
	// Subscriber is a worker endpoint registered for one category.
	Subscriber struct {
		URL      string
		ID       string
		Capacity *int
	}

	// Store persists subscriber rows so deliveries can be traced back to
	// their holder across restarts.
	Store interface {
		UpsertSubscriber(ctx context.Context, record eventstore.SubscriberRecord) error
		DeleteSubscriber(ctx context.Context, deliveryURL, sourceURL string) error
		ListSubscribers(ctx context.Context, sourceURL string) ([]eventstore.SubscriberRecord, error)
	}

	// Config carries the registry tuning knobs. Zero durations fall back
	// to the defaults.
	Config struct {
		// SourceURL identifies this event-log instance in subscriber rows.
		SourceURL string
		// BusySleep is how long a subscriber rests after reporting busy.
		BusySleep time.Duration
		// CheckupInterval is how often expired busy windows are collected.
		CheckupInterval time.Duration
	}

	subscriberState struct {
		info Subscriber
		// busyUntil is zero while the subscriber is in the rotation.
		busyUntil time.Time
	}

	// Registry is the in-memory subscriber pool for one category.
	Registry struct {
		category events.Category
		config   Config
		store    Store
		logger   *slog.Logger

		// mutex protects known, rotation, waiters and starved.
		mutex sync.Mutex
		// known maps subscriber URL to its state.
		known map[string]*subscriberState
		// rotation holds the free subscribers in hand-out order.
		rotation []string
		// waiters queue blocked FindAvailableSubscriber calls, FIFO.
		waiters []chan string
		// starved marks that the all-busy line was already logged for the
		// current empty-rotation episode.
		starved bool

		checkupStop chan struct{}
		checkupDone chan struct{}
		closeOnce   sync.Once
	}
)

// NewRegistry creates the registry for a category and starts its busy-window
// checkup goroutine. The goroutine stops on Close.
func NewRegistry(category events.Category, config Config, store Store, logger *slog.Logger) *Registry {
	if config.BusySleep <= 0 {
		config.BusySleep = defaultBusySleep
	}

	if config.CheckupInterval <= 0 {
		config.CheckupInterval = defaultCheckupInterval
	}

	registry := &Registry{
		category:    category,
		config:      config,
		store:       store,
		logger:      logger,
		known:       make(map[string]*subscriberState),
		checkupStop: make(chan struct{}),
		checkupDone: make(chan struct{}),
	}

	go registry.runCheckup()

	return registry
}

// Category returns the category this registry serves.
func (r *Registry) Category() events.Category {
	return r.category
}

// Add registers a subscriber and persists it. Re-adding a known URL keeps
// its busy state; the id and capacity are refreshed.
//
// The result reads "added, not updated": false only when the URL was
// already registered with a different id or capacity.
func (r *Registry) Add(ctx context.Context, subscriber Subscriber) (bool, error) {
	if err := r.store.UpsertSubscriber(ctx, eventstore.SubscriberRecord{
		DeliveryID:  subscriber.ID,
		DeliveryURL: subscriber.URL,
		SourceURL:   r.config.SourceURL,
		Capacity:    subscriber.Capacity,
	}); err != nil {
		return false, fmt.Errorf("failed to persist subscriber %s: %w", subscriber.URL, err)
	}

	added, novel := r.register(subscriber)

	switch {
	case novel:
		r.logger.InfoContext(ctx, "subscriber registered",
			slog.String("category", string(r.category)),
			slog.String("url", subscriber.URL),
		)
	case !added:
		r.logger.InfoContext(ctx, "subscriber updated",
			slog.String("category", string(r.category)),
			slog.String("url", subscriber.URL),
		)
	}

	return added, nil
}

// register applies the add under the lock. novel reports whether the URL
// was previously unknown, which is what decides the log line.
func (r *Registry) register(subscriber Subscriber) (added, novel bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, known := r.known[subscriber.URL]

	return r.addLocked(subscriber), !known
}

// Restore loads the subscribers persisted by a previous run into the
// rotation without writing them back. Called once at startup.
func (r *Registry) Restore(ctx context.Context) error {
	records, err := r.store.ListSubscribers(ctx, r.config.SourceURL)
	if err != nil {
		return fmt.Errorf("failed to restore subscribers: %w", err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	restored := 0

	for _, record := range records {
		if r.addLocked(Subscriber{URL: record.DeliveryURL, ID: record.DeliveryID, Capacity: record.Capacity}) {
			restored++
		}
	}

	if restored > 0 {
		r.logger.InfoContext(ctx, "subscribers restored",
			slog.String("category", string(r.category)),
			slog.Int("count", restored),
		)
	}

	return nil
}

// FindAvailableSubscriber returns the URL of the next free subscriber. When
// every subscriber is busy (or none is registered) the call blocks until one
// becomes available or the context is cancelled. Blocked calls are served
// first come, first served.
func (r *Registry) FindAvailableSubscriber(ctx context.Context) (string, error) {
	r.mutex.Lock()

	if url, ok := r.nextLocked(); ok {
		r.mutex.Unlock()

		return url, nil
	}

	if !r.starved {
		r.starved = true
		r.logger.InfoContext(ctx,
			fmt.Sprintf("all %d subscriber(s) are busy; waiting for one to become available", len(r.known)),
			slog.String("category", string(r.category)),
		)
	}

	waiter := make(chan string, 1)
	r.waiters = append(r.waiters, waiter)
	r.mutex.Unlock()

	select {
	case url := <-waiter:
		return url, nil
	case <-ctx.Done():
		r.mutex.Lock()
		r.removeWaiterLocked(waiter)
		r.mutex.Unlock()

		// A hand-out may have raced the cancellation; the slot stays in
		// the rotation either way, so it is safe to drop.
		select {
		case <-waiter:
		default:
		}

		return "", ctx.Err()
	}
}

// MarkBusy takes a subscriber out of the rotation until now+busy_sleep. A
// subscriber that is already busy has its window extended by busy_sleep
// rather than reset.
func (r *Registry) MarkBusy(url string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.known[url]
	if !ok {
		return
	}

	now := time.Now()

	if state.busyUntil.After(now) {
		state.busyUntil = state.busyUntil.Add(r.config.BusySleep)

		return
	}

	state.busyUntil = now.Add(r.config.BusySleep)
	r.removeFromRotationLocked(url)
}

// Delete removes a subscriber from the rotation and from the store.
// Returns true when the URL was known.
func (r *Registry) Delete(ctx context.Context, url string) (bool, error) {
	if err := r.store.DeleteSubscriber(ctx, url, r.config.SourceURL); err != nil {
		return false, fmt.Errorf("failed to delete subscriber %s: %w", url, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.known[url]; !ok {
		return false, nil
	}

	delete(r.known, url)
	r.removeFromRotationLocked(url)

	r.logger.InfoContext(ctx, "subscriber removed",
		slog.String("category", string(r.category)),
		slog.String("url", url),
	)

	return true, nil
}

// SubscriberCount returns how many subscribers are registered, busy or not.
func (r *Registry) SubscriberCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.known)
}

// DeliveryID resolves a subscriber URL to the delivery id recorded on its
// registration. Deliveries are stamped with this id so zombie detection can
// tell whether the holder is still around.
func (r *Registry) DeliveryID(url string) (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.known[url]
	if !ok {
		return "", false
	}

	return state.info.ID, true
}

// TotalCapacity sums the declared capacities. Nil when no subscriber
// declared one, meaning the category runs uncapped.
func (r *Registry) TotalCapacity() *int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var (
		total    int
		declared bool
	)

	for _, state := range r.known {
		if state.info.Capacity != nil {
			total += *state.info.Capacity
			declared = true
		}
	}

	if !declared {
		return nil
	}

	return &total
}

// Close stops the checkup goroutine. Safe to call multiple times.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.checkupStop)

		select {
		case <-r.checkupDone:
		case <-time.After(shutdownTimeout):
			r.logger.Warn("subscriber checkup goroutine did not stop within timeout",
				slog.String("category", string(r.category)))
		}
	})

	return nil
}

func (r *Registry) runCheckup() {
	defer close(r.checkupDone)

	ticker := time.NewTicker(r.config.CheckupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.checkupStop:
			return
		case <-ticker.C:
			r.collectExpired()
		}
	}
}

// collectExpired returns subscribers whose busy window has passed to the
// rotation tail and serves any parked waiters.
func (r *Registry) collectExpired() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()

	for url, state := range r.known {
		if state.busyUntil.IsZero() || state.busyUntil.After(now) {
			continue
		}

		state.busyUntil = time.Time{}
		r.rotation = append(r.rotation, url)
		r.starved = false
	}

	r.drainWaitersLocked()
}

// addLocked inserts or refreshes a subscriber and reports whether the call
// added rather than updated: false only when the URL was already known with
// a different id or capacity. Caller must hold the lock.
func (r *Registry) addLocked(subscriber Subscriber) bool {
	state, exists := r.known[subscriber.URL]
	if exists {
		updated := state.info.ID != subscriber.ID ||
			!equalCapacity(state.info.Capacity, subscriber.Capacity)
		state.info = subscriber

		return !updated
	}

	r.known[subscriber.URL] = &subscriberState{info: subscriber}
	r.rotation = append(r.rotation, subscriber.URL)
	r.starved = false
	r.drainWaitersLocked()

	return true
}

// nextLocked pops the rotation head and re-appends it so consecutive calls
// cycle through the free subscribers. Caller must hold the lock.
func (r *Registry) nextLocked() (string, bool) {
	if len(r.rotation) == 0 {
		return "", false
	}

	url := r.rotation[0]
	r.rotation = append(r.rotation[1:], url)
	r.starved = false

	return url, true
}

// drainWaitersLocked hands rotation slots to parked waiters in arrival
// order. Caller must hold the lock.
func (r *Registry) drainWaitersLocked() {
	for len(r.waiters) > 0 && len(r.rotation) > 0 {
		waiter := r.waiters[0]
		r.waiters = r.waiters[1:]

		url, _ := r.nextLocked()
		waiter <- url
	}
}

// removeFromRotationLocked drops a URL from the rotation if present.
// Caller must hold the lock.
func (r *Registry) removeFromRotationLocked(url string) {
	for i, candidate := range r.rotation {
		if candidate == url {
			r.rotation = append(r.rotation[:i], r.rotation[i+1:]...)

			return
		}
	}
}

// removeWaiterLocked drops an abandoned waiter. Caller must hold the lock.
func (r *Registry) removeWaiterLocked(waiter chan string) {
	for i, candidate := range r.waiters {
		if candidate == waiter {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)

			return
		}
	}
}

func equalCapacity(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
