// Package binance implements the spot venue client. Requests are signed with
// HMAC-SHA256 over the query string; authentication freshness comes from a
// timestamp + recvWindow pair rather than a persisted nonce.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// Config holds Binance credentials for one account.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Binance spot client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Venue() string { return "binance" }

func (c *Client) PlaceMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "MARKET")
	switch req.SizeMode {
	case common.SizeQuoteNotional:
		params.Set("quoteOrderQty", formatFloat(req.Size))
	default:
		params.Set("quantity", formatFloat(req.Size))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "FULL")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	res := common.OrderResult{
		Status:          mapStatus(resp.Status),
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		FilledQty:       parseFloat(resp.ExecutedQty),
	}
	if quote := parseFloat(resp.CumulativeQuote); res.FilledQty > 0 && quote > 0 {
		res.AvgPrice = quote / res.FilledQty
	}
	return res, nil
}

func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Currency: b.Asset, Available: free, Held: locked})
	}
	return out, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return 0, classify(res.StatusCode, body)
	}
	var tick struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &tick); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	return parseFloat(tick.Price), nil
}

func (c *Client) ListRecentOrders(ctx context.Context, symbol string, limit int) ([]common.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/allOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID int64  `json:"orderId"`
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Price   string `json:"price"`
		OrigQty string `json:"origQty"`
		Status  string `json:"status"`
		Time    int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	orders := make([]common.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, common.Order{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Qty:             parseFloat(o.OrigQty),
			Price:           parseFloat(o.Price),
			Status:          o.Status,
			CreatedAt:       time.UnixMilli(o.Time),
		})
	}
	return orders, nil
}

// doSigned signs the query and performs the HTTP request. Non-2xx responses
// come back as classified *common.APIError.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, &common.APIError{Kind: common.ErrInvalidParams, Venue: "binance", Msg: "API key/secret required"}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	encoded := params.Encode()
	endpoint := c.baseURL + path

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}

// classify maps Binance error payloads onto the shared error taxonomy.
// This is the single point where venue error shapes are interpreted.
func classify(status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)

	kind := common.ErrUnknown
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || payload.Code == -1003:
		kind = common.ErrRateLimited
	case payload.Code == -1021 || payload.Code == -1022:
		// Timestamp outside recvWindow / bad signature.
		kind = common.ErrAuthSequencing
	case payload.Code == -2010 && strings.Contains(strings.ToLower(payload.Msg), "insufficient"):
		kind = common.ErrInsufficientFunds
	case payload.Code == -1013 || payload.Code == -1100 || payload.Code == -1121 || payload.Code == -2010:
		// Filter failure, illegal chars, invalid symbol, other rejections.
		kind = common.ErrInvalidParams
	case status >= 500:
		kind = common.ErrTransientNetwork
	}

	msg := payload.Msg
	if msg == "" {
		msg = string(body)
	}
	return &common.APIError{Kind: kind, Venue: "binance", HTTPStatus: status, Msg: msg}
}

type orderResponse struct {
	OrderID         int64  `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Status          string `json:"status"`
	ExecutedQty     string `json:"executedQty"`
	CumulativeQuote string `json:"cummulativeQuoteQty"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return common.StatusFilled
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "REJECTED", "EXPIRED", "CANCELED":
		return common.StatusRejected
	default:
		return common.StatusError
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
