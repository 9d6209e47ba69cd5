package gift

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"coinsystem/internal/config"
)

// ============================================================================
// 礼品履约网关客户端（外部供应商）
// ============================================================================
//
// 【关键点】external_order_id 是供应商侧的幂等键：同一个 external_order_id
// 重复下单不会重复发货，网络层面的重试因此是安全的。
// 非 200 响应一律按失败处理，原始响应体保留在错误里向上透传。
//
// ============================================================================

// ErrVendorUnavailable 供应商调用失败（HTTP 错误或响应格式非法）
// 该错误触发兑换工作流的补偿转移后才允许暴露给调用方
var ErrVendorUnavailable = errors.New("礼品供应商调用失败")

// VendorError 带供应商原始响应的失败详情
type VendorError struct {
	StatusCode int
	Body       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("礼品供应商调用失败: status=%d, body=%s", e.StatusCode, e.Body)
}

func (e *VendorError) Unwrap() error {
	return ErrVendorUnavailable
}

// OrderRequest 礼品下单请求
type OrderRequest struct {
	UserID          string
	PhoneNumber     string
	TemplateToken   string
	ExternalOrderNo string
}

// OrderResult 供应商确认结果
type OrderResult struct {
	ReserveTraceID string // 供应商预约流水号
	ReceiverID     string // 供应商确认的收件人
}

// Client 履约网关 HTTP 客户端
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg *config.GatewayConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type orderPayload struct {
	ReceiverType    string            `json:"receiver_type"`
	Receivers       []receiverPayload `json:"receivers"`
	TemplateToken   string            `json:"template_token"`
	ExternalOrderID string            `json:"external_order_id"`
}

type receiverPayload struct {
	ExternalKey string `json:"external_key"`
	Name        string `json:"name"`
	ReceiverID  string `json:"receiver_id"`
}

type orderResponse struct {
	ReserveTraceID    string `json:"reserve_trace_id"`
	TemplateReceivers []struct {
		ReceiverID string `json:"receiver_id"`
	} `json:"template_receivers"`
}

// PlaceOrder 向供应商下单，每个 external_order_no 只应调用一次
func (c *Client) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	payload := orderPayload{
		ReceiverType:    "PHONE",
		Receivers:       []receiverPayload{{ExternalKey: req.UserID, Name: req.UserID, ReceiverID: req.PhoneNumber}},
		TemplateToken:   req.TemplateToken,
		ExternalOrderID: req.ExternalOrderNo,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "KakaoAK "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &VendorError{StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VendorError{StatusCode: resp.StatusCode, Body: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &VendorError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed orderResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &VendorError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if parsed.ReserveTraceID == "" || len(parsed.TemplateReceivers) == 0 {
		return nil, &VendorError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return &OrderResult{
		ReserveTraceID: parsed.ReserveTraceID,
		ReceiverID:     parsed.TemplateReceivers[0].ReceiverID,
	}, nil
}
