package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"offsync/internal/queue"
)

// Notifier receives a summary after each non-empty flush. The default
// implementation only logs; a webhook is installed when the host reports
// that the user granted notification permission.
type Notifier interface {
	Notify(ctx context.Context, res queue.Result)
}

type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, res queue.Result) {
	slog.Info("sync finished", "success", res.Success, "failed", res.Failed, "total", res.Total)
}

// webhookNotifier POSTs the flush summary to a host-registered URL.
type webhookNotifier struct {
	client *http.Client
	url    atomic.Value // string
}

func newWebhookNotifier(client *http.Client) *webhookNotifier {
	n := &webhookNotifier{client: client}
	n.url.Store("")
	return n
}

func (n *webhookNotifier) SetURL(u string) { n.url.Store(u) }

func (n *webhookNotifier) Notify(ctx context.Context, res queue.Result) {
	u, _ := n.url.Load().(string)
	if u == "" {
		logNotifier{}.Notify(ctx, res)
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Debug("notify webhook failed", "url", u, "err", err)
		return
	}
	_ = resp.Body.Close()
}
