// Package kraken implements the exchange gateway and feeds against the Kraken
// spot REST and websocket v2 APIs.
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
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"infinity-grid/internal/config"
	"infinity-grid/internal/core"
)

type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	pair      string
	userRef   int64

	httpClient *http.Client

	mu        sync.Mutex
	pairCache *pairInfo
}

// pairInfo caches the startup asset-pair lookup: precision rules plus the
// exchange-internal asset codes needed to read balances.
type pairInfo struct {
	rules      core.Rules
	baseAsset  string
	quoteAsset string
	wsName     string
	makerFee   decimal.Decimal
}

func NewClient(cfg config.ExchangeConfig, pair string, userRef int64) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		// Allowed for dry runs: public endpoints still work, private ones
		// fail with a rejection when called.
		log.Printf("level=WARN event=exchange_credentials_missing exchange=%q", "kraken")
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.RestBaseURL, "/"),
		pair:       pair,
		userRef:    userRef,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Name() string { return "kraken" }

func (c *Client) GetRules(ctx context.Context, pair string) (core.Rules, error) {
	info, err := c.getPairInfo(ctx)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

// MakerFee returns the exchange-reported maker fee for the pair, used when the
// configured fee is left at zero.
func (c *Client) MakerFee(ctx context.Context) (decimal.Decimal, error) {
	info, err := c.getPairInfo(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return info.makerFee, nil
}

func (c *Client) Place(ctx context.Context, order core.Order) (core.Order, error) {
	params := url.Values{}
	params.Set("pair", restPair(c.pair))
	params.Set("type", string(order.Side))
	params.Set("ordertype", "limit")
	params.Set("price", order.Price.String())
	params.Set("volume", order.Volume.String())
	params.Set("userref", strconv.FormatInt(c.userRef, 10))
	body, err := c.doPrivate(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return core.Order{}, err
	}
	var result addOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return core.Order{}, fmt.Errorf("decode add order: %w", err)
	}
	if len(result.TxID) == 0 {
		return core.Order{}, fmt.Errorf("%w: add order returned no txid", core.ErrRejected)
	}
	order.ID = result.TxID[0]
	order.Status = core.OrderOpen
	return order, nil
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := c.doPrivate(ctx, "/0/private/CancelOrder", params)
	return err
}

func (c *Client) OpenOrders(ctx context.Context, userRef int64) ([]core.Order, error) {
	params := url.Values{}
	params.Set("userref", strconv.FormatInt(userRef, 10))
	body, err := c.doPrivate(ctx, "/0/private/OpenOrders", params)
	if err != nil {
		return nil, err
	}
	var result openOrdersResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]core.Order, 0, len(result.Open))
	for txid, ord := range result.Open {
		parsed, err := parseRESTOrder(txid, ord)
		if err != nil {
			return nil, err
		}
		orders = append(orders, parsed)
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, orderID string) (core.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)
	body, err := c.doPrivate(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		return core.Order{}, err
	}
	var result map[string]restOrder
	if err := json.Unmarshal(body, &result); err != nil {
		return core.Order{}, fmt.Errorf("decode query orders: %w", err)
	}
	ord, ok := result[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	return parseRESTOrder(orderID, ord)
}

func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	info, err := c.getPairInfo(ctx)
	if err != nil {
		return core.Balance{}, err
	}
	body, err := c.doPrivate(ctx, "/0/private/BalanceEx", url.Values{})
	if err != nil {
		return core.Balance{}, err
	}
	var result map[string]balanceExEntry
	if err := json.Unmarshal(body, &result); err != nil {
		return core.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	var bal core.Balance
	if entry, ok := result[info.baseAsset]; ok {
		if bal.BaseTotal, bal.BaseAvailable, err = parseBalanceEntry(entry); err != nil {
			return core.Balance{}, err
		}
	}
	if entry, ok := result[info.quoteAsset]; ok {
		if bal.QuoteTotal, bal.QuoteAvailable, err = parseBalanceEntry(entry); err != nil {
			return core.Balance{}, err
		}
	}
	return bal, nil
}

// WebSocketToken fetches the short-lived token the authenticated feed needs.
func (c *Client) WebSocketToken(ctx context.Context) (string, error) {
	body, err := c.doPrivate(ctx, "/0/private/GetWebSocketsToken", url.Values{})
	if err != nil {
		return "", err
	}
	var result wsTokenResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode ws token: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("%w: empty websocket token", core.ErrRejected)
	}
	return result.Token, nil
}

// WSPairName returns the symbol the websocket channels use, e.g. "XBT/USD".
func (c *Client) WSPairName(ctx context.Context) (string, error) {
	info, err := c.getPairInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.wsName == "" {
		return c.pair, nil
	}
	return info.wsName, nil
}

func (c *Client) getPairInfo(ctx context.Context) (pairInfo, error) {
	c.mu.Lock()
	if c.pairCache != nil {
		info := *c.pairCache
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("pair", restPair(c.pair))
	body, err := c.doPublic(ctx, "/0/public/AssetPairs", params)
	if err != nil {
		return pairInfo{}, err
	}
	var result map[string]assetPairInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return pairInfo{}, fmt.Errorf("decode asset pairs: %w", err)
	}
	for _, raw := range result {
		info, err := parsePairInfo(raw)
		if err != nil {
			return pairInfo{}, err
		}
		c.mu.Lock()
		c.pairCache = &info
		c.mu.Unlock()
		return info, nil
	}
	return pairInfo{}, fmt.Errorf("%w: pair %q not found", core.ErrRejected, c.pair)
}

func parsePairInfo(raw assetPairInfo) (pairInfo, error) {
	var info pairInfo
	var err error
	if raw.TickSize != "" {
		if info.rules.PriceStep, err = decimal.NewFromString(raw.TickSize); err != nil {
			return info, fmt.Errorf("parse tick_size: %w", err)
		}
	}
	if raw.OrderMin != "" {
		if info.rules.MinVolume, err = decimal.NewFromString(raw.OrderMin); err != nil {
			return info, fmt.Errorf("parse ordermin: %w", err)
		}
	}
	if raw.CostMin != "" {
		if info.rules.MinNotional, err = decimal.NewFromString(raw.CostMin); err != nil {
			return info, fmt.Errorf("parse costmin: %w", err)
		}
	}
	if raw.LotDecimals > 0 {
		info.rules.VolumeStep = decimal.New(1, int32(-raw.LotDecimals))
	}
	if len(raw.Fees) > 0 && len(raw.Fees[0]) > 1 {
		fee, err := decimal.NewFromString(raw.Fees[0][1].String())
		if err != nil {
			return info, fmt.Errorf("parse fee: %w", err)
		}
		// Kraken reports fees in percent.
		info.makerFee = fee.Div(decimal.NewFromInt(100))
	}
	info.baseAsset = raw.Base
	info.quoteAsset = raw.Quote
	info.wsName = raw.WSName
	return info, nil
}

func parseBalanceEntry(entry balanceExEntry) (total, available decimal.Decimal, err error) {
	if total, err = decimal.NewFromString(entry.Balance); err != nil {
		return total, available, fmt.Errorf("parse balance: %w", err)
	}
	hold := decimal.Zero
	if entry.HoldTrade != "" {
		if hold, err = decimal.NewFromString(entry.HoldTrade); err != nil {
			return total, available, fmt.Errorf("parse hold: %w", err)
		}
	}
	available = total.Sub(hold)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return total, available, nil
}

func parseRESTOrder(txid string, ord restOrder) (core.Order, error) {
	price, err := decimal.NewFromString(ord.Descr.Price)
	if err != nil {
		return core.Order{}, fmt.Errorf("parse order price: %w", err)
	}
	volume, err := decimal.NewFromString(ord.Volume)
	if err != nil {
		return core.Order{}, fmt.Errorf("parse order volume: %w", err)
	}
	filled := decimal.Zero
	if ord.VolExec != "" {
		if filled, err = decimal.NewFromString(ord.VolExec); err != nil {
			return core.Order{}, fmt.Errorf("parse order vol_exec: %w", err)
		}
	}
	return core.Order{
		ID:           txid,
		Side:         core.Side(ord.Descr.Type),
		Price:        price,
		Volume:       volume,
		FilledVolume: filled,
		Status:       mapOrderStatus(ord.Status, filled),
		UserRef:      ord.UserRef,
	}, nil
}

func mapOrderStatus(status string, filled decimal.Decimal) core.OrderStatus {
	switch status {
	case "pending":
		return core.OrderPending
	case "open":
		if filled.Cmp(decimal.Zero) > 0 {
			return core.OrderPartiallyFilled
		}
		return core.OrderOpen
	case "closed":
		return core.OrderFilled
	case "canceled", "expired":
		return core.OrderCancelled
	default:
		return core.OrderFailed
	}
}

// restPair maps the configured pair to Kraken's REST naming, which still uses
// XBT for bitcoin and no separator.
func restPair(pair string) string {
	p := strings.ReplaceAll(pair, "/", "")
	p = strings.ReplaceAll(p, "BTC", "XBT")
	return p
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) doPrivate(ctx context.Context, path string, params url.Values) ([]byte, error) {
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()
	signature, err := sign(c.apiSecret, path, nonce, postData)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", signature)
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http 429", core.ErrRateLimited)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: http %d: %s", core.ErrNetwork, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, wrapAPIError(env.Error)
	}
	return env.Result, nil
}

// sign implements Kraken's request signing: HMAC-SHA512 over the URI path and
// SHA256(nonce + postdata), keyed with the base64-decoded secret.
func sign(secret, path, nonce, postData string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
