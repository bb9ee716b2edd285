package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the provider's webhook API over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider client. A zero timeout falls back to 30s;
// callers additionally bound each call with a context deadline.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Wire format for the trade.created subscription filter.
type webhookPayload struct {
	WebhookID    string               `json:"webhook_id,omitempty"`
	Name         string               `json:"name"`
	URL          string               `json:"url"`
	Subscription map[string]tradeSubs `json:"subscription"`
}

type tradeSubs struct {
	ActorIDs     []int64  `json:"fids"`
	MinScore     *float64 `json:"minimum_trader_score,omitempty"`
	MinAmountUSD *float64 `json:"minimum_token_amount_usdc,omitempty"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Webhook struct {
		WebhookID    string `json:"webhook_id"`
		TargetURL    string `json:"target_url"`
		Subscription struct {
			Filters map[string]struct {
				ActorIDs []int64 `json:"fids"`
			} `json:"filters"`
		} `json:"subscription"`
	} `json:"webhook"`
}

// Create registers a brand new subscription carrying the initial filter set.
func (c *Client) Create(ctx context.Context, params CreateParams) (*Subscription, error) {
	payload := buildPayload("", params.Name, params.CallbackURL, params.FilterSet, params.Thresholds)
	return c.do(ctx, http.MethodPost, payload)
}

// Update replaces the subscription's filter with the full desired set.
func (c *Client) Update(ctx context.Context, params UpdateParams) (*Subscription, error) {
	payload := buildPayload(params.Handle, params.Name, params.CallbackURL, params.FilterSet, params.Thresholds)
	return c.do(ctx, http.MethodPut, payload)
}

func buildPayload(handle, name, callbackURL string, filter []int64, th Thresholds) webhookPayload {
	if filter == nil {
		filter = []int64{}
	}
	subs := tradeSubs{ActorIDs: filter}
	if th.MinScore > 0 {
		subs.MinScore = &th.MinScore
	}
	if th.MinAmountUSD > 0 {
		subs.MinAmountUSD = &th.MinAmountUSD
	}
	return webhookPayload{
		WebhookID:    handle,
		Name:         name,
		URL:          callbackURL,
		Subscription: map[string]tradeSubs{"trade.created": subs},
	}
}

func (c *Client) do(ctx context.Context, method string, payload webhookPayload) (*Subscription, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	fullURL := c.baseURL + "/v2/webhook"
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("method", method).Int("filter_size", len(payload.Subscription["trade.created"].ActorIDs)).
		Msg("Pushing filter set to provider")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusRequestEntityTooLarge ||
		resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", ErrFilterTooLarge, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded webhookResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if !decoded.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: decoded.Message}
	}

	sub := &Subscription{Handle: decoded.Webhook.WebhookID}
	if filters, ok := decoded.Webhook.Subscription.Filters["trade.created"]; ok {
		sub.FilterSet = filters.ActorIDs
	}
	return sub, nil
}
