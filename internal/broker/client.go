package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/config"
)

// Client 负责与经纪商 OpenAPI 交互并实现重试机制。
// 认证端点与交易端点分离，均视为不透明的 HTTP 边界。
type Client struct {
	cfg    config.BrokerConfig
	logger *zap.Logger
	http   *http.Client

	uicMu    sync.Mutex
	uicCache map[string]Instrument
}

// NewClient 构造经纪商客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		uicCache: make(map[string]Instrument),
	}
}

// Authenticate 使用配置的凭证换取访问令牌。
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenRequest(ctx, "authenticate", form)
}

// Refresh 使用刷新令牌续期会话。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenRequest(ctx, "refresh", form)
}

func (c *Client) tokenRequest(ctx context.Context, op string, form url.Values) (Token, error) {
	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	err := c.callWithRetry(ctx, op, func() error {
		endpoint := strings.TrimRight(c.cfg.AuthURL, "/") + "/token"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return NewError(KindTransient, op, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyNetError(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyTokenStatus(op, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return NewError(KindTransient, op, fmt.Errorf("解析令牌响应失败: %w", err))
		}
		if payload.AccessToken == "" {
			return NewError(KindAuth, op, errors.New("响应中缺少 access_token"))
		}
		return nil
	})
	if err != nil {
		return Token{}, err
	}

	expires := time.Duration(payload.ExpiresIn) * time.Second
	if expires <= 0 {
		expires = 20 * time.Minute
	}

	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    expires,
	}, nil
}

// ResolveInstrument 查询货币对的 UIC，结果带缓存以减少API调用。
func (c *Client) ResolveInstrument(ctx context.Context, token, symbol string) (Instrument, error) {
	c.uicMu.Lock()
	if cached, ok := c.uicCache[symbol]; ok {
		c.uicMu.Unlock()
		return cached, nil
	}
	c.uicMu.Unlock()

	var payload struct {
		Data []struct {
			Identifier int64  `json:"Identifier"`
			Symbol     string `json:"Symbol"`
		} `json:"Data"`
	}

	query := url.Values{}
	query.Set("Keywords", symbol)
	query.Set("AssetTypes", "FxSpot")

	err := c.callWithRetry(ctx, "resolve_instrument", func() error {
		return c.getJSON(ctx, token, "/ref/v1/instruments", query, &payload)
	})
	if err != nil {
		return Instrument{}, err
	}

	if len(payload.Data) == 0 {
		return Instrument{}, NewError(KindValidation, "resolve_instrument",
			fmt.Errorf("未找到货币对 %q", symbol))
	}

	inst := Instrument{UIC: payload.Data[0].Identifier, Symbol: payload.Data[0].Symbol}

	c.uicMu.Lock()
	c.uicCache[symbol] = inst
	c.uicMu.Unlock()

	return inst, nil
}

// GetQuote 获取货币对的即时买卖报价。
func (c *Client) GetQuote(ctx context.Context, token string, inst Instrument) (Quote, error) {
	var payload struct {
		Quote struct {
			Bid float64 `json:"Bid"`
			Ask float64 `json:"Ask"`
		} `json:"Quote"`
	}

	query := url.Values{}
	query.Set("Uic", strconv.FormatInt(inst.UIC, 10))
	query.Set("AssetType", "FxSpot")

	err := c.callWithRetry(ctx, "get_quote", func() error {
		return c.getJSON(ctx, token, "/trade/v1/infoprices", query, &payload)
	})
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Instrument: inst.Symbol,
		Bid:        payload.Quote.Bid,
		Ask:        payload.Quote.Ask,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// GetBalance 获取账户资金概要。
func (c *Client) GetBalance(ctx context.Context, token string) (Balance, error) {
	var payload struct {
		Currency                  string  `json:"Currency"`
		CashBalance               float64 `json:"CashBalance"`
		MarginAvailableForTrading float64 `json:"MarginAvailableForTrading"`
		TotalValue                float64 `json:"TotalValue"`
	}

	err := c.callWithRetry(ctx, "get_balance", func() error {
		return c.getJSON(ctx, token, "/port/v1/balances/me", nil, &payload)
	})
	if err != nil {
		return Balance{}, err
	}

	return Balance{
		Currency:        payload.Currency,
		CashBalance:     payload.CashBalance,
		MarginAvailable: payload.MarginAvailableForTrading,
		TotalValue:      payload.TotalValue,
	}, nil
}

// FetchCandles 获取指定周期的历史K线。
func (c *Client) FetchCandles(ctx context.Context, token string, inst Instrument, horizonMinutes, count int) ([]Candle, error) {
	var payload struct {
		Data []struct {
			Time     string  `json:"Time"`
			OpenBid  float64 `json:"OpenBid"`
			HighBid  float64 `json:"HighBid"`
			LowBid   float64 `json:"LowBid"`
			CloseBid float64 `json:"CloseBid"`
		} `json:"Data"`
	}

	query := url.Values{}
	query.Set("Uic", strconv.FormatInt(inst.UIC, 10))
	query.Set("AssetType", "FxSpot")
	query.Set("Horizon", strconv.Itoa(horizonMinutes))
	query.Set("Count", strconv.Itoa(count))

	err := c.callWithRetry(ctx, "fetch_candles", func() error {
		return c.getJSON(ctx, token, "/chart/v1/charts", query, &payload)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(payload.Data))
	for _, item := range payload.Data {
		ts, parseErr := time.Parse(time.RFC3339, item.Time)
		if parseErr != nil {
			ts = time.Time{}
		}
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.OpenBid,
			High:      item.HighBid,
			Low:       item.LowBid,
			Close:     item.CloseBid,
		})
	}

	return candles, nil
}

// PlaceMarketOrder 提交市价委托。下单请求不做自动重试，
// 重复提交的防护由调用方负责。
func (c *Client) PlaceMarketOrder(ctx context.Context, token string, order OrderRequest) (OrderResult, error) {
	body := map[string]interface{}{
		"Uic":         order.UIC,
		"AssetType":   "FxSpot",
		"Amount":      order.Amount,
		"BuySell":     buySell(order.BuySide),
		"OrderType":   "Market",
		"ManualOrder": false,
	}

	var payload struct {
		OrderID string `json:"OrderId"`
	}
	if err := c.postJSON(ctx, token, "place_order", "/trade/v2/orders", body, &payload); err != nil {
		return OrderResult{}, err
	}
	if payload.OrderID == "" {
		return OrderResult{}, NewError(KindValidation, "place_order", errors.New("响应中缺少 OrderId"))
	}

	return OrderResult{OrderID: payload.OrderID}, nil
}

// ListPositions 列出指定货币对的未平仓头寸，UIC 为 0 时列出全部。
func (c *Client) ListPositions(ctx context.Context, token string, uic int64) ([]Position, error) {
	var payload struct {
		Data []struct {
			PositionID   string `json:"PositionId"`
			PositionBase struct {
				UIC    int64   `json:"Uic"`
				Amount float64 `json:"Amount"`
			} `json:"PositionBase"`
		} `json:"Data"`
	}

	query := url.Values{}
	if uic > 0 {
		query.Set("Uic", strconv.FormatInt(uic, 10))
	}

	err := c.callWithRetry(ctx, "list_positions", func() error {
		return c.getJSON(ctx, token, "/port/v1/positions/me", query, &payload)
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(payload.Data))
	for _, item := range payload.Data {
		positions = append(positions, Position{
			PositionID: item.PositionID,
			UIC:        item.PositionBase.UIC,
			Amount:     item.PositionBase.Amount,
		})
	}
	return positions, nil
}

// ClosePosition 以反向市价单平掉指定头寸。
func (c *Client) ClosePosition(ctx context.Context, token string, position Position) (OrderResult, error) {
	amount := position.Amount
	buy := amount < 0
	if amount < 0 {
		amount = -amount
	}

	body := map[string]interface{}{
		"Uic":         position.UIC,
		"AssetType":   "FxSpot",
		"Amount":      amount,
		"BuySell":     buySell(buy),
		"OrderType":   "Market",
		"PositionId":  position.PositionID,
		"ManualOrder": false,
	}

	var payload struct {
		OrderID string `json:"OrderId"`
	}
	if err := c.postJSON(ctx, token, "close_position", "/trade/v2/orders", body, &payload); err != nil {
		return OrderResult{}, err
	}

	return OrderResult{OrderID: payload.OrderID}, nil
}

func buySell(buy bool) string {
	if buy {
		return "Buy"
	}
	return "Sell"
}

func (c *Client) getJSON(ctx context.Context, token, path string, query url.Values, out interface{}) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return NewError(KindTransient, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetError(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindTransient, path, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, token, op, path string, body interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return NewError(KindValidation, op, err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return NewError(KindTransient, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(KindTransient, op, fmt.Errorf("解析响应失败: %w", err))
		}
	}
	return nil
}

// callWithRetry 对可重试错误执行有界指数退避。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("经纪商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if KindOf(err) != KindTransient || attempt >= maxAttempts {
			c.logger.Error("经纪商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("经纪商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

type errorInfo struct {
	ErrorInfo struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	} `json:"ErrorInfo"`
}

// classifyStatus 将交易端点的 HTTP 状态映射到错误分类。
func classifyStatus(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var info errorInfo
	_ = json.Unmarshal(raw, &info)
	code := info.ErrorInfo.ErrorCode
	detail := strings.TrimSpace(string(raw))
	base := fmt.Errorf("http %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuth, op, base)
	case isMarketClosedCode(code):
		return NewError(KindMarketClosed, op, base)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindTransient, op, base)
	case resp.StatusCode >= 500:
		return NewError(KindTransient, op, base)
	case resp.StatusCode >= 400:
		return NewError(KindValidation, op, base)
	default:
		return NewError(KindTransient, op, base)
	}
}

// classifyTokenStatus 认证端点的失败分类：
// 凭证被拒绝是致命的，服务端故障可重试。
func classifyTokenStatus(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	base := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return NewError(KindTransient, op, base)
	default:
		return NewError(KindAuth, op, base)
	}
}

func classifyNetError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewError(KindTransient, op, err)
}

func isMarketClosedCode(code string) bool {
	switch code {
	case "MarketClosed", "MarketIsClosed", "InstrumentNotTradableInMarketState":
		return true
	default:
		return false
	}
}
