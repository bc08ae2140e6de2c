package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const DefaultBinanceBaseURL = "https://p2p.binance.com"

const binanceSuccessCode = "000000"

// Binance fetches the best USDT buy-side advertisement in CNY from Binance P2P.
type Binance struct {
	client       *Client
	baseURL      string
	filterAmount string
}

type binanceRequest struct {
	Fiat          string   `json:"fiat"`
	Page          int      `json:"page"`
	Rows          int      `json:"rows"`
	TradeType     string   `json:"tradeType"`
	Asset         string   `json:"asset"`
	PayTypes      []string `json:"payTypes"`
	PublisherType *string  `json:"publisherType"`
	TransAmount   string   `json:"transAmount"`
}

type binanceResponse struct {
	Code    string      `json:"code"`
	Message *string     `json:"message"`
	Data    []binanceAd `json:"data"`
}

type binanceAd struct {
	Adv struct {
		Price string `json:"price"`
	} `json:"adv"`
}

// NewBinance creates a Binance source. An empty baseURL uses DefaultBinanceBaseURL.
func NewBinance(client *Client, baseURL, filterAmount string) *Binance {
	if baseURL == "" {
		baseURL = DefaultBinanceBaseURL
	}
	return &Binance{
		client:       client,
		baseURL:      baseURL,
		filterAmount: filterAmount,
	}
}

func (b *Binance) Name() string { return "Binance" }

// Price returns the price of the top BUY advertisement.
func (b *Binance) Price(ctx context.Context) (float64, error) {
	payload := binanceRequest{
		Fiat:        "CNY",
		Page:        1,
		Rows:        1,
		TradeType:   "BUY",
		Asset:       "USDT",
		PayTypes:    []string{},
		TransAmount: b.filterAmount,
	}
	headers := map[string]string{
		"Clienttype": "web",
		"Lang":       "zh-CN",
		"Origin":     b.baseURL,
	}

	body, err := b.client.postJSON(ctx, b.baseURL+"/bapi/c2c/v2/friendly/c2c/adv/search", payload, headers)
	if err != nil {
		return 0, fmt.Errorf("binance: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return 0, errors.New("binance: empty response body (possibly blocked)")
	}

	var resp binanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: failed to decode response %s: %w", truncate(body, 200), err)
	}
	if resp.Message != nil && *resp.Message != "" && resp.Code != binanceSuccessCode {
		return 0, fmt.Errorf("binance: api error %s: %s", resp.Code, *resp.Message)
	}
	if len(resp.Data) == 0 {
		return 0, errors.New("binance: no advertisements returned")
	}

	price, err := parsePrice(resp.Data[0].Adv.Price)
	if err != nil {
		return 0, fmt.Errorf("binance: %w", err)
	}
	return price, nil
}
