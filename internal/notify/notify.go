// Package notify forwards audit events to the HTTP endpoints listed under
// notify.hooks. Each hook keeps its own cursor into the event log; a failed
// delivery stops that hook's batch and is retried from the same event on the
// next tick.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"featurepilot/internal/config"
	"featurepilot/internal/domain"
	"featurepilot/internal/metrics"
	"featurepilot/internal/repo"
)

const (
	HeaderEvent     = "X-Featurepilot-Event"
	HeaderDelivery  = "X-Featurepilot-Delivery"
	HeaderSignature = "X-Featurepilot-Signature"

	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	batchSize       = 100
)

// EventSource is the part of the store the notifier reads.
type EventSource interface {
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var _ EventSource = repo.Repo{}

type Notifier struct {
	events   EventSource
	hooks    []config.NotifyHook
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	Metrics *metrics.Recorder

	mu      sync.Mutex
	cursors map[int]int64
}

func New(events EventSource, hooks []config.NotifyHook, interval time.Duration, log *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		events:   events,
		hooks:    hooks,
		interval: interval,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      log,
		cursors:  make(map[int]int64),
	}
}

// Active reports whether any hook would receive deliveries.
func (n *Notifier) Active() bool {
	for _, h := range n.hooks {
		if h.Active() {
			return true
		}
	}
	return false
}

// Run delivers events every interval until ctx is done. Cursors start at the
// latest event present when Run is called.
func (n *Notifier) Run(ctx context.Context) error {
	n.Start(ctx)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.DispatchOnce(ctx)
		}
	}
}

// Start positions every active hook's cursor at the latest event.
func (n *Notifier) Start(ctx context.Context) {
	for i, h := range n.hooks {
		if h.Active() {
			n.cursorFor(ctx, i)
		}
	}
}

// DispatchOnce delivers pending events to every active hook.
func (n *Notifier) DispatchOnce(ctx context.Context) {
	for i, h := range n.hooks {
		if !h.Active() {
			continue
		}
		n.dispatch(ctx, i, h)
	}
}

func (n *Notifier) dispatch(ctx context.Context, idx int, hook config.NotifyHook) {
	cursor := n.cursorFor(ctx, idx)
	events, err := n.events.EventsAfter(ctx, cursor, batchSize)
	if err != nil {
		n.log.Warn("notify: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		err := n.post(ctx, hook, evt)
		n.Metrics.NotifyDelivered(err == nil)
		if err != nil {
			n.log.Warn("notify: delivery failed", "url", hook.URL, "event_id", evt.ID, "type", evt.Type, "error", err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *Notifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.events.LatestEventID(ctx)
	if err != nil {
		n.log.Warn("notify: init cursor failed", "error", err)
		return 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *Notifier) setCursor(idx int, id int64) {
	n.mu.Lock()
	n.cursors[idx] = id
	n.mu.Unlock()
}

// Delivery is the body posted to a hook.
type Delivery struct {
	ID              int64           `json:"id"`
	Type            string          `json:"type"`
	OrchestrationID string          `json:"orchestrationId,omitempty"`
	EntityKind      string          `json:"entityKind"`
	EntityID        string          `json:"entityId,omitempty"`
	Actor           string          `json:"actor"`
	TS              string          `json:"ts"`
	Payload         json.RawMessage `json:"payload"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (n *Notifier) post(ctx context.Context, hook config.NotifyHook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(Delivery{
		ID:              evt.ID,
		Type:            evt.Type,
		OrchestrationID: evt.OrchestrationID,
		EntityKind:      evt.EntityKind,
		EntityID:        evt.EntityID,
		Actor:           evt.ActorID,
		TS:              evt.TS,
		Payload:         payload,
	})
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, data))
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches event types exactly or by a "prefix.*" pattern. An
// empty list matches everything.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: make(map[string]struct{})}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	f.all = len(f.set) == 0 && len(f.prefixes) == 0
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
