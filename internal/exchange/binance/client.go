// internal/exchange/binance/client.go
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/exchange"
)

// RetryConfig는 일시적 에러에 대한 재시도 설정을 정의합니다
type RetryConfig struct {
	MaxRetries int           // 최대 재시도 횟수
	BaseDelay  time.Duration // 기본 대기 시간
	MaxDelay   time.Duration // 최대 대기 시간
	Factor     float64       // 대기 시간 증가 계수
}

// Client는 바이낸스 선물 API 클라이언트를 구현합니다
type Client struct {
	apiKey           string
	secretKey        string
	baseURL          string
	httpClient       *http.Client
	retry            RetryConfig
	serverTimeOffset int64 // 서버 시간과의 차이를 저장
	mu               sync.RWMutex
}

// ClientOption은 클라이언트 생성 옵션을 정의합니다
type ClientOption func(*Client)

// WithTimeout은 HTTP 클라이언트의 타임아웃을 설정합니다
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithBaseURL은 기본 URL을 설정합니다
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTestnet은 테스트넷 사용 여부를 설정합니다
func WithTestnet(useTestnet bool) ClientOption {
	return func(c *Client) {
		if useTestnet {
			c.baseURL = "https://testnet.binancefuture.com"
		} else {
			c.baseURL = "https://fapi.binance.com"
		}
	}
}

// WithRetryConfig는 재시도 설정을 지정합니다
func WithRetryConfig(retry RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = retry
	}
}

// NewClient는 새로운 바이낸스 API 클라이언트를 생성합니다
func NewClient(apiKey, secretKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    "https://fapi.binance.com", // 기본값은 선물 거래소
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Factor:     2.0,
		},
	}

	// 옵션 적용
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// request는 doRequest에 일시적 에러 재시도를 덧씌운 래퍼입니다.
// 정산 대기, 검증, 치명적 에러는 재시도 없이 호출자에게 전달합니다.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, needSign bool) ([]byte, error) {
	var lastErr error
	delay := c.retry.BaseDelay

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.retry.Factor)
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}

		body, err := c.doRequest(ctx, method, endpoint, params, needSign)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !exchange.IsRetryable(err) {
			return nil, err
		}

		// 타임스탬프 범위 초과는 서버 시간 재동기화 후 재시도
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -1021 {
			if syncErr := c.SyncTime(ctx); syncErr != nil {
				log.Printf("서버 시간 재동기화 실패: %v", syncErr)
			}
		}

		if attempt < c.retry.MaxRetries {
			log.Printf("%s 실패 (attempt %d/%d): %v", endpoint, attempt+1, c.retry.MaxRetries, err)
		}
	}

	return nil, fmt.Errorf("최대 재시도 횟수 초과: %w", lastErr)
}

// doRequest는 HTTP 요청을 한 번 실행하고 결과를 반환합니다
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, needSign bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}

	// URL 생성
	reqURL, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("URL 파싱 실패: %w", err)
	}

	// 타임스탬프 추가
	if needSign {
		timestamp := strconv.FormatInt(c.getServerTime(), 10)
		params.Set("timestamp", timestamp)
		params.Set("recvWindow", "5000")
	}

	// 파라미터 설정
	reqURL.RawQuery = params.Encode()

	// 서명 추가
	if needSign {
		signature := c.sign(params.Encode())
		reqURL.RawQuery = reqURL.RawQuery + "&signature=" + signature
	}

	// 요청 생성
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("요청 생성 실패: %w", err)
	}

	// 헤더 설정
	req.Header.Set("Content-Type", "application/json")
	if needSign {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	// 요청 실행
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API 요청 실패: %w", err)
	}
	defer resp.Body.Close()

	// 응답 읽기
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("응답 읽기 실패: %w", err)
	}

	// 상태 코드 확인
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"msg"`
		}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return nil, &exchange.APIError{
				Message:    string(body),
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, &exchange.APIError{
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			HTTPStatus: resp.StatusCode,
		}
	}

	return body, nil
}

// sign은 요청에 대한 서명을 생성합니다
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// getServerTime은 현재 서버 시간을 반환합니다
func (c *Client) getServerTime() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().UnixMilli() + c.serverTimeOffset
}

// GetServerTime은 서버 시간을 조회합니다
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return time.Time{}, fmt.Errorf("서버 시간 파싱 실패: %w", err)
	}

	return time.Unix(0, result.ServerTime*int64(time.Millisecond)), nil
}

// GetSymbolInfo는 특정 심볼의 거래 정보를 조회합니다
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	params := url.Values{}
	params.Add("symbol", symbol)

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return nil, fmt.Errorf("심볼 정보 조회 실패: %w", err)
	}

	var exchangeInfo struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize,omitempty"`
				TickSize    string `json:"tickSize,omitempty"`
				MinNotional string `json:"notional,omitempty"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	if err := json.Unmarshal(resp, &exchangeInfo); err != nil {
		return nil, fmt.Errorf("심볼 정보 파싱 실패: %w", err)
	}

	// 응답에 심볼 정보가 없는 경우
	if len(exchangeInfo.Symbols) == 0 {
		return nil, fmt.Errorf("심볼 정보를 찾을 수 없음: %s", symbol)
	}

	// 첫 번째(유일한) 심볼 정보 사용
	s := exchangeInfo.Symbols[0]

	info := &domain.SymbolInfo{
		Symbol:            symbol,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}

	// 필터 정보 추출
	for _, filter := range s.Filters {
		switch filter.FilterType {
		case "LOT_SIZE": // 수량 단위 필터
			if filter.StepSize != "" {
				stepSize, err := strconv.ParseFloat(filter.StepSize, 64)
				if err != nil {
					continue
				}
				info.StepSize = stepSize
			}
		case "PRICE_FILTER": // 가격 단위 필터
			if filter.TickSize != "" {
				tickSize, err := strconv.ParseFloat(filter.TickSize, 64)
				if err != nil {
					continue
				}
				info.TickSize = tickSize
			}
		case "MIN_NOTIONAL": // 최소 주문 가치 필터
			if filter.MinNotional != "" {
				minNotional, err := strconv.ParseFloat(filter.MinNotional, 64)
				if err != nil {
					continue
				}
				info.MinNotional = minNotional
			}
		}
	}

	return info, nil
}

// GetMarkPrice는 심볼의 현재 마크 가격을 조회합니다.
// 보호 주문 트리거가 마크 가격 기준으로 평가되므로 최종 체결가 대신 이 값을 사용합니다.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Add("symbol", symbol)

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, fmt.Errorf("마크 가격 조회 실패: %w", err)
	}

	var result struct {
		Symbol    string  `json:"symbol"`
		MarkPrice float64 `json:"markPrice,string"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, fmt.Errorf("마크 가격 파싱 실패: %w", err)
	}

	return result.MarkPrice, nil
}

// GetAccountState는 계정의 자본 스냅샷을 조회합니다
func (c *Client) GetAccountState(ctx context.Context) (*domain.AccountState, error) {
	resp, err := c.request(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("계정 상태 조회 실패: %w", err)
	}

	var result struct {
		TotalMarginBalance float64 `json:"totalMarginBalance,string"`
		AvailableBalance   float64 `json:"availableBalance,string"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("계정 상태 파싱 실패: %w", err)
	}

	return &domain.AccountState{
		Equity:          result.TotalMarginBalance,
		AvailableMargin: result.AvailableBalance,
	}, nil
}

// GetPositions는 거래소에 열려 있는 포지션을 조회합니다
func (c *Client) GetPositions(ctx context.Context) ([]domain.RemotePosition, error) {
	resp, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, fmt.Errorf("포지션 조회 실패: %w", err)
	}

	var positionsRaw []struct {
		Symbol           string  `json:"symbol"`
		PositionAmt      float64 `json:"positionAmt,string"`
		EntryPrice       float64 `json:"entryPrice,string"`
		MarkPrice        float64 `json:"markPrice,string"`
		UnrealizedProfit float64 `json:"unRealizedProfit,string"`
		LiquidationPrice float64 `json:"liquidationPrice,string"`
		Leverage         float64 `json:"leverage,string"`
		PositionSide     string  `json:"positionSide"`
		UpdateTime       int64   `json:"updateTime"`
	}

	if err := json.Unmarshal(resp, &positionsRaw); err != nil {
		return nil, fmt.Errorf("포지션 데이터 파싱 실패: %w", err)
	}

	// 활성 포지션만 필터링 (수량이 0이 아닌 포지션)
	var positions []domain.RemotePosition
	for _, p := range positionsRaw {
		if p.PositionAmt != 0 {
			positions = append(positions, domain.RemotePosition{
				Symbol:           p.Symbol,
				PositionSide:     domain.PositionSide(p.PositionSide),
				Quantity:         p.PositionAmt,
				EntryPrice:       p.EntryPrice,
				MarkPrice:        p.MarkPrice,
				LiquidationPrice: p.LiquidationPrice,
				Leverage:         int(p.Leverage),
				UnrealizedPnL:    p.UnrealizedProfit,
				UpdateTime:       time.Unix(0, p.UpdateTime*int64(time.Millisecond)),
			})
		}
	}

	return positions, nil
}

// GetOpenOrders는 현재 열린 주문 목록을 조회합니다
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error) {
	params := url.Values{}
	if symbol != "" {
		params.Add("symbol", symbol)
	}

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("열린 주문 조회 실패: %w", err)
	}

	var ordersRaw []rawOrder
	if err := json.Unmarshal(resp, &ordersRaw); err != nil {
		return nil, fmt.Errorf("주문 데이터 파싱 실패: %w", err)
	}

	orders := make([]domain.OrderResponse, len(ordersRaw))
	for i, o := range ordersRaw {
		orders[i] = o.toDomain()
	}

	return orders, nil
}

// GetOrder는 단일 주문의 현재 상태를 조회합니다.
// 취소 경쟁 구간에서 실제 체결 수량을 확정할 때 사용합니다.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.OrderResponse, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("orderId", strconv.FormatInt(orderID, 10))

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("주문 조회 실패: %w", err)
	}

	var o rawOrder
	if err := json.Unmarshal(resp, &o); err != nil {
		return nil, fmt.Errorf("주문 데이터 파싱 실패: %w", err)
	}

	order := o.toDomain()
	return &order, nil
}

// rawOrder는 바이낸스 주문 응답의 와이어 포맷입니다
type rawOrder struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	StopPrice     float64 `json:"stopPrice,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	WorkingType   string  `json:"workingType"`
	UpdateTime    int64   `json:"updateTime"`
	Time          int64   `json:"time"`
}

func (o rawOrder) toDomain() domain.OrderResponse {
	return domain.OrderResponse{
		OrderID:          o.OrderID,
		Symbol:           o.Symbol,
		Status:           o.Status,
		ClientOrderID:    o.ClientOrderID,
		Price:            o.Price,
		AvgPrice:         o.AvgPrice,
		OrigQuantity:     o.OrigQty,
		ExecutedQuantity: o.ExecutedQty,
		StopPrice:        o.StopPrice,
		Side:             domain.OrderSide(o.Side),
		PositionSide:     domain.PositionSide(o.PositionSide),
		Type:             domain.OrderType(o.Type),
		CreateTime:       time.Unix(0, o.Time*int64(time.Millisecond)),
	}
}

// GetLeverageBrackets는 심볼의 레버리지 브라켓 정보를 조회합니다
func (c *Client) GetLeverageBrackets(ctx context.Context, symbol string) ([]domain.LeverageBracket, error) {
	params := url.Values{}
	if symbol != "" {
		params.Add("symbol", symbol)
	}

	resp, err := c.request(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, true)
	if err != nil {
		return nil, fmt.Errorf("레버리지 브라켓 조회 실패: %w", err)
	}

	// 응답 구조는 심볼 기준으로 다릅니다
	// 단일 심볼 조회시: [{"symbol":"BTCUSDT","brackets":[...]}]
	// 모든 심볼 조회시: [{"symbol":"BTCUSDT","brackets":[...]}, {"symbol":"ETHUSDT","brackets":[...]}]
	var bracketsRaw []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			Bracket          int     `json:"bracket"`
			InitialLeverage  int     `json:"initialLeverage"`
			NotionalCap      float64 `json:"notionalCap"`
			NotionalFloor    float64 `json:"notionalFloor"`
			MaintMarginRatio float64 `json:"maintMarginRatio"`
			Cum              float64 `json:"cum"`
		} `json:"brackets"`
	}

	if err := json.Unmarshal(resp, &bracketsRaw); err != nil {
		return nil, fmt.Errorf("레버리지 브라켓 데이터 파싱 실패: %w", err)
	}

	var result []domain.LeverageBracket
	for _, symbolBrackets := range bracketsRaw {
		for _, b := range symbolBrackets.Brackets {
			result = append(result, domain.LeverageBracket{
				Bracket:          b.Bracket,
				InitialLeverage:  b.InitialLeverage,
				MaintMarginRatio: b.MaintMarginRatio,
				Notional:         b.NotionalCap,
			})
		}

		// 특정 심볼만 요청했으면 첫 번째 항목만 필요
		if symbol != "" {
			break
		}
	}

	return result, nil
}

// PlaceOrder는 새로운 주문을 생성합니다
func (c *Client) PlaceOrder(ctx context.Context, order domain.OrderRequest) (*domain.OrderResponse, error) {
	params := url.Values{}
	params.Add("symbol", order.Symbol)
	params.Add("side", string(order.Side))

	if order.PositionSide != "" {
		params.Add("positionSide", string(order.PositionSide))
	}

	switch order.Type {
	case domain.Market:
		params.Add("type", "MARKET")
		params.Add("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))

	case domain.Limit:
		params.Add("type", "LIMIT")
		tif := order.TimeInForce
		if tif == "" {
			tif = domain.GTC
		}
		params.Add("timeInForce", string(tif))
		params.Add("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
		params.Add("price", strconv.FormatFloat(order.Price, 'f', -1, 64))

	case domain.StopMarket:
		params.Add("type", "STOP_MARKET")
		params.Add("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
		params.Add("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
		params.Add("workingType", "MARK_PRICE")

	case domain.TakeProfitMarket:
		params.Add("type", "TAKE_PROFIT_MARKET")
		params.Add("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
		params.Add("stopPrice", strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
		params.Add("workingType", "MARK_PRICE")
	}

	// 클라이언트 주문 ID가 설정되었으면 추가
	if order.ClientOrderID != "" {
		params.Add("newClientOrderId", order.ClientOrderID)
	}

	resp, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("주문 실행 실패 [심볼: %s, 타입: %s, 수량: %.8f]: %w",
			order.Symbol, order.Type, order.Quantity, err)
	}

	var o rawOrder
	if err := json.Unmarshal(resp, &o); err != nil {
		return nil, fmt.Errorf("주문 응답 파싱 실패: %w", err)
	}

	result := o.toDomain()
	return &result, nil
}

// CancelOrder는 주문을 취소합니다
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("orderId", strconv.FormatInt(orderID, 10))

	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return fmt.Errorf("주문 취소 실패: %w", err)
	}

	return nil
}

// SetLeverage는 레버리지를 설정하고 거래소가 승인한 값을 반환합니다.
// 요청값이 심볼 상한을 넘으면 거래소가 낮춘 값으로 응답합니다.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("leverage", strconv.Itoa(leverage))

	resp, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if err != nil {
		return 0, fmt.Errorf("레버리지 설정 실패: %w", err)
	}

	var result struct {
		Leverage int    `json:"leverage"`
		Symbol   string `json:"symbol"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, fmt.Errorf("레버리지 응답 파싱 실패: %w", err)
	}

	return result.Leverage, nil
}

// SetPositionMode는 포지션 모드를 설정합니다
func (c *Client) SetPositionMode(ctx context.Context, hedgeMode bool) error {
	params := url.Values{}
	params.Add("dualSidePosition", strconv.FormatBool(hedgeMode))

	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	if err != nil {
		// 이미 원하는 모드로 설정된 경우, 에러가 아님
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Code == domain.ErrPositionModeNoChange {
			return nil
		}
		return fmt.Errorf("포지션 모드 설정 실패: %w", err)
	}

	return nil
}

// SyncTime은 바이낸스 서버와 시간을 동기화합니다
func (c *Client) SyncTime(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return fmt.Errorf("서버 시간 조회 실패: %w", err)
	}

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("서버 시간 파싱 실패: %w", err)
	}

	c.mu.Lock()
	c.serverTimeOffset = result.ServerTime - time.Now().UnixMilli()
	c.mu.Unlock()

	return nil
}
