package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/secwatch/internal/secevents"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// Webhook POSTs each alert as JSON to a fixed URL
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook sink. A nil client gets an otel-instrumented default.
func NewWebhook(url string, client *http.Client) (*Webhook, error) {
	if url == "" {
		return nil, xerrors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Webhook{url: url, client: client}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, a secevents.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(err, "marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
