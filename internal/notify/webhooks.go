package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tramita/internal/config"
	"tramita/internal/domain"
	"tramita/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher polls the outbox and posts new notifications to the configured
// webhooks. Each webhook keeps its own cursor, stored by URL so a restart
// resumes after the last delivered notification. A webhook seen for the first
// time starts at the newest notification present.
type Dispatcher struct {
	Store    Store
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(store Store, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Store:    store,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round over every enabled webhook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx, hook)
	if err != nil {
		d.Logger.Error("webhook: read cursor failed", "url", hook.URL, "error", err)
		return
	}
	pending, err := d.Store.NotificationsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Error("webhook: fetch notifications failed", "error", err)
		return
	}
	last := cursor
	defer func() {
		if last != cursor {
			d.saveCursor(ctx, idx, hook, last)
		}
	}()
	filter := newGroupFilter(hook.RoleGroups)
	for _, n := range pending {
		if !filter.match(n.RoleGroup) {
			last = n.ID
			continue
		}
		if err := d.post(ctx, hook, n); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues(metrics.Error).Inc()
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "notification_id", n.ID, "error", err)
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(metrics.OK).Inc()
		last = n.ID
	}
}

func cursorKey(hook config.WebhookConfig) string {
	return strings.TrimSpace(hook.URL)
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int, hook config.WebhookConfig) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, found, err := d.Store.WebhookCursor(ctx, cursorKey(hook))
	if err != nil {
		return 0, err
	}
	if !found {
		if cur, err = d.Store.LatestNotificationID(ctx); err != nil {
			return 0, err
		}
		if err := d.Store.SaveWebhookCursor(ctx, cursorKey(hook), cur, d.stamp()); err != nil {
			d.Logger.Warn("webhook: persist cursor failed", "url", hook.URL, "error", err)
		}
	}
	d.cursors[idx] = cur
	return cur, nil
}

// saveCursor advances the in-memory cursor and records it. A failed write only
// means the next start redelivers from the previous record.
func (d *Dispatcher) saveCursor(ctx context.Context, idx int, hook config.WebhookConfig, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
	if err := d.Store.SaveWebhookCursor(ctx, cursorKey(hook), value, d.stamp()); err != nil {
		d.Logger.Warn("webhook: persist cursor failed", "url", hook.URL, "cursor", value, "error", err)
	}
}

func (d *Dispatcher) stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SetCursor positions a webhook's cursor, e.g. to replay from the start.
func (d *Dispatcher) SetCursor(idx int, value int64) {
	d.mu.Lock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tramita-Event", n.Kind)
	req.Header.Set("X-Tramita-Delivery", fmt.Sprintf("%d", n.ID))
	req.Header.Set("X-Tramita-Module", n.TargetModule)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tramita-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

type groupFilter struct {
	all bool
	set map[string]struct{}
}

func newGroupFilter(groups []string) groupFilter {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if key := strings.TrimSpace(g); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return groupFilter{all: true}
	}
	return groupFilter{set: set}
}

func (f groupFilter) match(group string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[group]
	return ok
}
