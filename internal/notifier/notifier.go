package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/takeout_downloader/internal/logctx"
	"github.com/italolelis/takeout_downloader/internal/pool"
)

type Notifier interface {
	Notify(content string) error
}

type DiscordNotifier struct {
	WebhookURL string
}

func (d *DiscordNotifier) Notify(content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := http.Post(d.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Watch subscribes a notifier to the pool's event stream. Notifications are
// a peripheral side effect; failures to deliver them are logged, never
// propagated into the pool.
func Watch(ctx context.Context, events <-chan pool.Event, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			msg := message(e)
			if msg == "" {
				continue
			}

			if err := n.Notify(msg); err != nil {
				logger.Error("failed to send notification", "event", e.Type.String(), "err", err)
			}
		}
	}
}

func message(e pool.Event) string {
	switch e.Type {
	case pool.EventPausedForAuth:
		return "🔐 Session expired: downloads paused, a fresh credential is needed"
	case pool.EventResumed:
		return "▶️ Credential refreshed: downloads resumed"
	case pool.EventTaskFailed:
		return fmt.Sprintf("❌ Download failed for %s: %s", e.File, e.Reason)
	case pool.EventFinished:
		if e.Summary == nil {
			return "✅ Run finished"
		}

		return fmt.Sprintf("✅ Run finished: %d succeeded, %d failed, %d skipped, %s transferred",
			e.Summary.Succeeded, e.Summary.Failed, e.Summary.Skipped,
			humanize.Bytes(uint64(e.Summary.BytesTransferred)))
	default:
		return ""
	}
}
