package venue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const DefaultOKXBaseURL = "https://www.okx.com"

// OKX fetches the lowest USDT sell offer in CNY from the OKX P2P order book.
type OKX struct {
	client       *Client
	baseURL      string
	cookie       string
	filterAmount string
	now          func() time.Time
}

type okxResponse struct {
	Code int     `json:"code"`
	Msg  string  `json:"msg"`
	Data okxData `json:"data"`
}

type okxData struct {
	Sell []okxAd `json:"sell"`
}

type okxAd struct {
	Price string `json:"price"`
}

// NewOKX creates an OKX source. An empty baseURL uses DefaultOKXBaseURL.
// filterAmount is the minimum per-order CNY amount an offer must accept.
func NewOKX(client *Client, baseURL, cookie, filterAmount string) *OKX {
	if baseURL == "" {
		baseURL = DefaultOKXBaseURL
	}
	return &OKX{
		client:       client,
		baseURL:      baseURL,
		cookie:       cookie,
		filterAmount: filterAmount,
		now:          time.Now,
	}
}

func (o *OKX) Name() string { return "OKX" }

// Price returns the best sell price, i.e. the price a user pays to buy USDT.
func (o *OKX) Price(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("t", strconv.FormatInt(o.now().UnixMilli(), 10))
	q.Set("quoteCurrency", "CNY")
	q.Set("baseCurrency", "USDT")
	q.Set("side", "sell")
	q.Set("paymentMethod", "all")
	q.Set("userType", "all")
	q.Set("showTrade", "false")
	q.Set("sortType", "price_asc")
	if o.filterAmount != "" {
		q.Set("quoteMinAmountPerOrder", o.filterAmount)
	}
	u := o.baseURL + "/v3/c2c/tradingOrders/books?" + q.Encode()

	var headers map[string]string
	if o.cookie != "" {
		headers = map[string]string{"Cookie": o.cookie}
	}

	var resp okxResponse
	if err := o.client.getJSON(ctx, u, headers, &resp); err != nil {
		return 0, fmt.Errorf("okx: %w", err)
	}
	if resp.Code != 0 {
		return 0, fmt.Errorf("okx: api error code %d: %s", resp.Code, resp.Msg)
	}
	if len(resp.Data.Sell) == 0 {
		return 0, errors.New("okx: no sell offers returned")
	}

	price, err := parsePrice(resp.Data.Sell[0].Price)
	if err != nil {
		return 0, fmt.Errorf("okx: %w", err)
	}
	return price, nil
}
