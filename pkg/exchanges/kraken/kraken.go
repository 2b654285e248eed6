// Package kraken implements the Kraken spot venue client. Every private call
// carries a strictly increasing nonce supplied by the caller's NonceSource;
// the signature is HMAC-SHA512 over the URI path and SHA256(nonce + postdata).
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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

// NonceSource provides durable per-credential nonces (see pkg/nonce).
type NonceSource interface {
	Next(credentialID string) (int64, error)
}

// Config holds Kraken credentials for one account.
type Config struct {
	APIKey       string
	APISecret    string // base64 encoded
	CredentialID string
	Nonces       NonceSource
}

// Client is a Kraken client implementing common.Gateway.
type Client struct {
	cfg            Config
	baseURL        string
	httpClient     *http.Client
	fillRetryDelay time.Duration
}

func New(cfg Config) *Client {
	return &Client{
		cfg:            cfg,
		baseURL:        "https://api.kraken.com",
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		fillRetryDelay: 500 * time.Millisecond,
	}
}

func (c *Client) Venue() string { return "kraken" }

func (c *Client) PlaceMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", "market")
	params.Set("volume", formatFloat(req.Size))
	if req.SizeMode == common.SizeQuoteNotional {
		// Kraken sizes market buys in quote currency via viqc when available;
		// the oflags form is the stable one.
		params.Set("oflags", "viqc")
	}
	if req.ClientID != "" {
		params.Set("userref", userRef(req.ClientID))
	}

	var resp struct {
		TxID []string `json:"txid"`
	}
	if err := c.doPrivate(ctx, "/0/private/AddOrder", params, &resp); err != nil {
		return common.OrderResult{}, err
	}

	res := common.OrderResult{Status: common.StatusFilled, ClientID: req.ClientID}
	if len(resp.TxID) > 0 {
		res.ExchangeOrderID = resp.TxID[0]
	}
	if res.ExchangeOrderID == "" {
		return common.OrderResult{}, &common.APIError{Kind: common.ErrUnknown, Venue: "kraken", Msg: "AddOrder returned no txid"}
	}
	// Market orders fill immediately or error; query the order for fill data.
	// The order is live at this point, so a failed query is an unverified
	// outcome inside the result, not a Go error the caller could retry into
	// a duplicate order.
	qty, price, err := c.queryFillRetry(ctx, res.ExchangeOrderID)
	if err != nil {
		res.Status = common.StatusError
		res.ErrorKind = common.KindOf(err)
		res.ErrorMsg = fmt.Sprintf("order %s placed but fill query failed: %v", res.ExchangeOrderID, err)
		return res, nil
	}
	res.FilledQty = qty
	res.AvgPrice = price
	// viqc orders carry req.Size in quote currency while executed volume is
	// base units, so the comparison only holds for base-sized orders.
	if req.SizeMode == common.SizeBaseQty && qty > 0 && qty < req.Size {
		res.Status = common.StatusPartial
	}
	return res, nil
}

func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	var raw map[string]string
	if err := c.doPrivate(ctx, "/0/private/Balance", url.Values{}, &raw); err != nil {
		return nil, err
	}
	out := make([]common.Balance, 0, len(raw))
	for asset, amount := range raw {
		v, _ := strconv.ParseFloat(amount, 64)
		if v == 0 {
			continue
		}
		out = append(out, common.Balance{Currency: normalizeAsset(asset), Available: v})
	}
	return out, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/0/public/Ticker?pair=" + url.QueryEscape(symbol)
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

	var payload struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			C []string `json:"c"` // last trade [price, lot volume]
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	if len(payload.Error) > 0 {
		return 0, classify(payload.Error)
	}
	for _, tick := range payload.Result {
		if len(tick.C) > 0 {
			v, _ := strconv.ParseFloat(tick.C[0], 64)
			return v, nil
		}
	}
	return 0, &common.APIError{Kind: common.ErrInvalidParams, Venue: "kraken", Msg: "no ticker for " + symbol}
}

func (c *Client) ListRecentOrders(ctx context.Context, symbol string, limit int) ([]common.Order, error) {
	var resp struct {
		Closed map[string]struct {
			Descr struct {
				Pair string `json:"pair"`
				Type string `json:"type"`
			} `json:"descr"`
			Vol      string  `json:"vol"`
			Price    string  `json:"price"`
			Status   string  `json:"status"`
			OpenTime float64 `json:"opentm"`
		} `json:"closed"`
	}
	if err := c.doPrivate(ctx, "/0/private/ClosedOrders", url.Values{}, &resp); err != nil {
		return nil, err
	}
	var orders []common.Order
	for id, o := range resp.Closed {
		if symbol != "" && !strings.EqualFold(o.Descr.Pair, symbol) {
			continue
		}
		qty, _ := strconv.ParseFloat(o.Vol, 64)
		price, _ := strconv.ParseFloat(o.Price, 64)
		orders = append(orders, common.Order{
			ExchangeOrderID: id,
			Symbol:          o.Descr.Pair,
			Side:            common.Side(strings.ToUpper(o.Descr.Type)),
			Qty:             qty,
			Price:           price,
			Status:          o.Status,
			CreatedAt:       time.Unix(int64(o.OpenTime), 0),
		})
		if limit > 0 && len(orders) >= limit {
			break
		}
	}
	return orders, nil
}

// queryFillRetry tolerates transient QueryOrders failures right after
// AddOrder; the order already exists, so giving up surfaces an unverified
// outcome rather than losing the txid.
func (c *Client) queryFillRetry(ctx context.Context, txid string) (qty, price float64, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.fillRetryDelay):
			}
		}
		qty, price, err = c.queryFill(ctx, txid)
		if err == nil {
			return qty, price, nil
		}
	}
	return 0, 0, err
}

func (c *Client) queryFill(ctx context.Context, txid string) (qty, price float64, err error) {
	params := url.Values{}
	params.Set("txid", txid)
	var resp map[string]struct {
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
	}
	if err := c.doPrivate(ctx, "/0/private/QueryOrders", params, &resp); err != nil {
		return 0, 0, err
	}
	o, found := resp[txid]
	if !found {
		return 0, 0, &common.APIError{Kind: common.ErrUnknown, Venue: "kraken", Msg: "order " + txid + " missing from query result"}
	}
	qty, _ = strconv.ParseFloat(o.VolExec, 64)
	price, _ = strconv.ParseFloat(o.Price, 64)
	return qty, price, nil
}

// doPrivate performs a signed private call and decodes result into out.
func (c *Client) doPrivate(ctx context.Context, path string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.APIError{Kind: common.ErrInvalidParams, Venue: "kraken", Msg: "API key/secret required"}
	}
	if c.cfg.Nonces == nil {
		return &common.APIError{Kind: common.ErrUnknown, Venue: "kraken", Msg: "nonce source not configured"}
	}

	nonce, err := c.cfg.Nonces.Next(c.cfg.CredentialID)
	if err != nil {
		// No fallback counter: an unpersisted nonce reused after a restart
		// triggers the venue's replay cooldown.
		return fmt.Errorf("kraken: obtain nonce: %w", err)
	}
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	encoded := params.Encode()

	sig, err := sign(path, strconv.FormatInt(nonce, 10), encoded, c.cfg.APISecret)
	if err != nil {
		return fmt.Errorf("kraken: sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sig)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return &common.APIError{Kind: common.ErrTransientNetwork, Venue: "kraken", HTTPStatus: res.StatusCode, Msg: string(body)}
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return classify(envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// classify maps Kraken error strings onto the shared taxonomy. Kraken reports
// errors as "E<Category>:<Detail>" strings in the response envelope.
func classify(errs []string) error {
	msg := strings.Join(errs, "; ")
	lower := strings.ToLower(msg)

	kind := common.ErrUnknown
	switch {
	case strings.Contains(lower, "invalid nonce"), strings.Contains(lower, "invalid signature"), strings.Contains(lower, "invalid key"):
		kind = common.ErrAuthSequencing
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		kind = common.ErrRateLimited
	case strings.Contains(lower, "insufficient funds"):
		kind = common.ErrInsufficientFunds
	case strings.Contains(lower, "unknown asset pair"), strings.Contains(lower, "invalid arguments"), strings.Contains(lower, "volume minimum not met"), strings.Contains(lower, "order minimum not met"):
		kind = common.ErrInvalidParams
	case strings.Contains(lower, "unavailable"), strings.Contains(lower, "timeout"), strings.Contains(lower, "busy"):
		kind = common.ErrTransientNetwork
	}
	return &common.APIError{Kind: kind, Venue: "kraken", Msg: msg}
}

func sign(path, nonce, postData, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// normalizeAsset strips Kraken's legacy X/Z asset prefixes (XXBT -> XBT).
func normalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

// userRef converts a client id into Kraken's int32 userref space.
func userRef(clientID string) string {
	var h uint32
	for i := 0; i < len(clientID); i++ {
		h = h*31 + uint32(clientID[i])
	}
	return strconv.FormatUint(uint64(h&0x7fffffff), 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
