package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sparkd-app/sparkd/config"
	"github.com/sparkd-app/sparkd/tools/errs"
)

// PushResult reports per-target outcome.
type PushResult struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// PushGateway is the external push-notification collaborator.
type PushGateway interface {
	Send(ctx context.Context, targets []string, title, body string, data map[string]string) ([]PushResult, error)
}

// httpPushGateway posts to an FCM-style HTTP endpoint.
type httpPushGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPPushGateway(cfg config.PushConfig) PushGateway {
	return &httpPushGateway{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (g *httpPushGateway) Send(ctx context.Context, targets []string, title, body string, data map[string]string) ([]PushResult, error) {
	if g.endpoint == "" {
		return nil, errs.ErrChannelDelivery.WithDetail("push endpoint not configured")
	}
	payload, err := json.Marshal(map[string]any{
		"targets": targets,
		"title":   title,
		"body":    body,
		"data":    data,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errs.ErrChannelDelivery.WrapMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, errs.ErrChannelDelivery.WithDetail(fmt.Sprintf("push gateway status %d", resp.StatusCode))
	}
	var out struct {
		Results []PushResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Results, nil
}
