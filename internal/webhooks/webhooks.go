// Package webhooks notifies operator-configured endpoints of review
// outcomes.
//
// Events:
//   - request.submitted: an institution filed a request
//   - request.approved: the allow-list write confirmed and the record was updated
//   - request.rejected: an administrator rejected the request
//   - review.failed: an approve or reject run ended in an error
//
// Deliveries are signed with HMAC-SHA256 over the body and retried with
// backoff on network errors and 5xx responses.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/credgate/internal/authflow"
	"github.com/mbd888/credgate/internal/idgen"
	"github.com/mbd888/credgate/internal/requests"
	"github.com/mbd888/credgate/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventRequestSubmitted EventType = "request.submitted"
	EventRequestApproved  EventType = "request.approved"
	EventRequestRejected  EventType = "request.rejected"
	EventReviewFailed     EventType = "review.failed"
)

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credgate",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by event type and outcome.",
}, []string{"event_type", "outcome"})

func init() {
	prometheus.MustRegister(deliveries)
}

// Config configures a Dispatcher.
type Config struct {
	URLs        []string
	Secret      string
	Workers     int
	QueueSize   int
	Attempts    int
	RetryDelay  time.Duration
	HTTPTimeout time.Duration
}

// DefaultConfig returns production delivery settings for urls.
func DefaultConfig(urls []string, secret string) Config {
	return Config{
		URLs:        urls,
		Secret:      secret,
		Workers:     2,
		QueueSize:   256,
		Attempts:    4,
		RetryDelay:  time.Second,
		HTTPTimeout: 10 * time.Second,
	}
}

type delivery struct {
	url   string
	event *Event
}

// Dispatcher queues events and delivers them from a small worker pool.
// Enqueueing never blocks; a full queue drops the event.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	queue  chan delivery

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before events are expected.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
		queue:  make(chan delivery, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			<-d.stop
			cancel()
		}()
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Stop cancels pending deliveries and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deliver(ctx, job)
		}
	}
}

// Enqueue schedules event for every configured URL.
func (d *Dispatcher) Enqueue(event *Event) {
	for _, url := range d.cfg.URLs {
		select {
		case d.queue <- delivery{url: url, event: event}:
		default:
			deliveries.WithLabelValues(string(event.Type), "dropped").Inc()
			d.logger.Warn("webhook queue full, dropping event", "event", event.Type, "request_id", event.RequestID)
		}
	}
}

// RequestSubmitted announces a new request.
func (d *Dispatcher) RequestSubmitted(req *requests.AuthorizationRequest) {
	d.Enqueue(&Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventRequestSubmitted,
		RequestID: req.ID,
		Timestamp: req.CreatedAt,
		Data: map[string]any{
			"institutionName": req.InstitutionName,
			"walletAddress":   req.WalletAddress,
			"email":           req.Email,
		},
	})
}

// FlowChanged forwards terminal review outcomes. Intermediate states are
// not delivered.
func (d *Dispatcher) FlowChanged(ev authflow.FlowEvent) {
	var t EventType
	switch ev.State {
	case authflow.StateApproved:
		t = EventRequestApproved
	case authflow.StateRejected:
		t = EventRequestRejected
	case authflow.StateFailed:
		t = EventReviewFailed
	default:
		return
	}
	data := map[string]any{"reviewer": ev.Reviewer}
	if ev.TxHash != "" {
		data["txHash"] = ev.TxHash
	}
	if ev.Kind != "" {
		data["kind"] = ev.Kind
	}
	d.Enqueue(&Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		RequestID: ev.RequestID,
		Timestamp: ev.At,
		Data:      data,
	})
}

// errStatus is a non-2xx response.
type errStatus struct{ code int }

func (e *errStatus) Error() string { return fmt.Sprintf("webhook endpoint returned status %d", e.code) }

func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		deliveries.WithLabelValues(string(job.event.Type), "failed").Inc()
		d.logger.Error("failed to marshal webhook event", "event", job.event.Type, "error", err)
		return
	}

	err = retry.DoIf(ctx, d.cfg.Attempts, d.cfg.RetryDelay, retryable, func() error {
		return d.post(ctx, job.url, job.event, payload)
	})
	if err != nil {
		deliveries.WithLabelValues(string(job.event.Type), "failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"event", job.event.Type, "request_id", job.event.RequestID, "url", job.url, "error", err)
		return
	}
	deliveries.WithLabelValues(string(job.event.Type), "delivered").Inc()
}

// retryable is true for transport errors and 5xx or 429 responses.
func retryable(err error) bool {
	var se *errStatus
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

func (d *Dispatcher) post(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Credgate-Event", string(event.Type))
	req.Header.Set("X-Credgate-Delivery", event.ID)
	req.Header.Set("X-Credgate-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.cfg.Secret != "" {
		req.Header.Set("X-Credgate-Signature", "sha256="+Sign(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &errStatus{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a X-Credgate-Signature header value against payload.
func Verify(payload []byte, secret, header string) bool {
	want := "sha256=" + Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(header))
}
