// Package notify publishes settlement completions to a configured webhook.
// Delivery is best effort: the database remains the source of truth and a
// missed notification never blocks or rolls back settlement.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"arenasettle/distribution"
	"arenasettle/games"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Settle-Signature"

// Webhook posts settlement events to a single consumer endpoint.
type Webhook struct {
	url    string
	secret []byte
	http   *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// New constructs a webhook announcer. An empty URL yields a disabled
// announcer whose calls are no-ops.
func New(url, secret string, timeout time.Duration, log *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Webhook{
		url:  strings.TrimSpace(url),
		http: &http.Client{Timeout: timeout},
		log:  log,
		now:  time.Now,
	}
	if secret != "" {
		w.secret = []byte(secret)
	}
	return w
}

// Enabled reports whether a destination is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

type settledEvent struct {
	Event         string       `json:"event"`
	CompetitionID uuid.UUID    `json:"competition_id"`
	Kind          string       `json:"kind"`
	Status        games.Status `json:"status"`
	PrizePool     string       `json:"prize_pool"`
	Distributed   int          `json:"distributed"`
	Batches       int          `json:"batches"`
	SettledAt     time.Time    `json:"settled_at"`
}

// AnnounceSettled posts one competition.settled event. Failures are logged
// and dropped.
func (w *Webhook) AnnounceSettled(ctx context.Context, comp *games.Competition, summary distribution.Summary) {
	if !w.Enabled() {
		return
	}
	event := settledEvent{
		Event:         "competition.settled",
		CompetitionID: comp.ID,
		Kind:          comp.Kind,
		Status:        comp.Status,
		PrizePool:     comp.PrizePool,
		Distributed:   summary.Distributed,
		Batches:       summary.Batches,
		SettledAt:     w.now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		w.log.Error("encode settlement event", "competition", comp.ID, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Error("build webhook request", "competition", comp.ID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.http.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed", "competition", comp.ID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.Warn("webhook rejected", "competition", comp.ID, "status", resp.StatusCode)
		return
	}
	w.log.Info("settlement announced", "competition", comp.ID)
}

// Sign computes the hex HMAC-SHA256 consumers use to verify event payloads.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
