// Package notify posts loop events to a configured webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"fixpoint/internal/config"
)

// Event classifies a notification; each class has its own enable flag.
type Event string

const (
	EventCommit   Event = "commit"
	EventRollback Event = "rollback"
	EventHalt     Event = "halt"
	EventSafety   Event = "safety"
)

const sendTimeout = 10 * time.Second

// Notifier delivers events in the background. Delivery failures are
// logged and dropped; the loop never blocks or fails on a webhook. A
// nil *Notifier discards everything.
type Notifier struct {
	cfg    config.NotifyConfig
	log    *zap.Logger
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time

	wg sync.WaitGroup
}

// New builds a notifier, or nil when no webhook is configured.
func New(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:      cfg,
		log:      logger,
		client:   &http.Client{Timeout: sendTimeout},
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send queues one event for delivery. Identical event/title pairs
// inside the dedup window collapse to a single post.
func (n *Notifier) Send(event Event, title, detail string) {
	if n == nil || !n.enabled(event) {
		return
	}

	key := string(event) + "\n" + title
	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && n.now().Sub(last) < n.cfg.Dedup {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = n.now()
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(event, title, detail)
	}()
}

// Close waits for in-flight deliveries. Called on shutdown.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) enabled(event Event) bool {
	switch event {
	case EventCommit:
		return n.cfg.OnCommit
	case EventRollback:
		return n.cfg.OnRollback
	case EventHalt:
		return n.cfg.OnHalt
	case EventSafety:
		return n.cfg.OnSafety
	default:
		return false
	}
}

func (n *Notifier) deliver(event Event, title, detail string) {
	body, err := n.payload(event, title, detail)
	if err != nil {
		n.log.Warn("building notification payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("building notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("posting notification", zap.String("event", string(event)), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warn("webhook rejected notification",
			zap.String("event", string(event)),
			zap.Int("status", resp.StatusCode))
		return
	}
	n.log.Debug("notification delivered", zap.String("event", string(event)), zap.String("title", title))
}

func (n *Notifier) payload(event Event, title, detail string) ([]byte, error) {
	text := "fixpoint " + string(event) + ": " + title
	if detail != "" {
		text += "\n" + detail
	}

	switch n.cfg.Format {
	case "slack":
		return json.Marshal(map[string]string{"text": text})
	case "discord":
		return json.Marshal(map[string]string{"content": text})
	default:
		return json.Marshal(map[string]string{
			"event":     string(event),
			"title":     title,
			"detail":    detail,
			"timestamp": n.now().UTC().Format(time.RFC3339),
		})
	}
}
