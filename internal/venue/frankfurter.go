package venue

import (
	"context"
	"fmt"
	"net/url"
)

const DefaultFrankfurterBaseURL = "https://api.frankfurter.app"

// Frankfurter provides the reference exchange rate from the Frankfurter API.
type Frankfurter struct {
	client  *Client
	baseURL string
	from    string
	to      string
}

type frankfurterResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// NewFrankfurter creates a reference provider for the from->to rate.
// Empty values default to the Frankfurter API and USD->CNY.
func NewFrankfurter(client *Client, baseURL, from, to string) *Frankfurter {
	if baseURL == "" {
		baseURL = DefaultFrankfurterBaseURL
	}
	if from == "" {
		from = "USD"
	}
	if to == "" {
		to = "CNY"
	}
	return &Frankfurter{client: client, baseURL: baseURL, from: from, to: to}
}

// Rate returns the latest from->to rate.
func (f *Frankfurter) Rate(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("from", f.from)
	q.Set("to", f.to)

	var resp frankfurterResponse
	if err := f.client.getJSON(ctx, f.baseURL+"/latest?"+q.Encode(), nil, &resp); err != nil {
		return 0, fmt.Errorf("forex: %w", err)
	}

	rate, ok := resp.Rates[f.to]
	if !ok {
		return 0, fmt.Errorf("forex: no %s rate in response", f.to)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("forex: non-positive %s rate %v", f.to, rate)
	}
	return rate, nil
}
