package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/chimera/types"
)

// maxResponseBytes 远端响应体上限
const maxResponseBytes = 4 << 20

// =============================================================================
// 🌐 远端能力（HTTP JSON）
// =============================================================================

// Remote 通过 HTTP 调用外部 worker 模块的能力。
// POST 请求体为 Request，2xx 响应体为 Result。
type Remote struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
}

// RemoteOption 远端能力选项
type RemoteOption func(*Remote)

// WithHTTPClient 设置 HTTP 客户端
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithHeader 每个请求附带的请求头，如 Authorization
func WithHeader(key, value string) RemoteOption {
	return func(r *Remote) { r.headers[key] = value }
}

// NewRemote 创建远端能力
func NewRemote(name, url string, opts ...RemoteOption) *Remote {
	r := &Remote{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 60 * time.Second},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) Name() string { return r.name }

// Execute 实现 Capability.Execute
func (r *Remote) Execute(ctx context.Context, req Request) (*Result, error) {
	var res Result
	if err := postJSON(ctx, r.client, r.url, r.name, r.headers, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// 💳 远端钱包
// =============================================================================

// RemoteWallet 通过 HTTP 执行支付
type RemoteWallet struct {
	remote *Remote
}

type payRequest struct {
	ActorID     string `json:"actor_id"`
	AmountCents int64  `json:"amount_cents"`
	Recipient   string `json:"recipient"`
	Category    string `json:"category"`
}

type payResponse struct {
	TxHash string `json:"tx_hash"`
}

// NewRemoteWallet 创建远端钱包
func NewRemoteWallet(url string, opts ...RemoteOption) *RemoteWallet {
	return &RemoteWallet{remote: NewRemote("wallet", url, opts...)}
}

// Pay 实现 Wallet.Pay
func (w *RemoteWallet) Pay(ctx context.Context, actorID string, amountCents int64, recipient, category string) (string, error) {
	var out payResponse
	err := postJSON(ctx, w.remote.client, w.remote.url, w.remote.name, w.remote.headers, payRequest{
		ActorID:     actorID,
		AmountCents: amountCents,
		Recipient:   recipient,
		Category:    category,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", types.NewError(types.ErrExternalAPIFailure, "wallet returned no transaction hash").
			WithDependency(w.remote.name)
	}
	return out.TxHash, nil
}

var (
	_ Capability = (*Remote)(nil)
	_ Wallet     = (*RemoteWallet)(nil)
)

// =============================================================================
// 🔧 HTTP 辅助
// =============================================================================

func postJSON(ctx context.Context, client *http.Client, url, dependency string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return types.NewError(types.ErrInputValidation, "failed to encode request").WithCause(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.ErrInputValidation, "invalid capability endpoint").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return types.NewError(types.ErrProcessingTimeout, dependency+" timed out").
				WithDependency(dependency).
				WithCause(err)
		}
		return types.NewError(types.ErrNetwork, dependency+" unreachable").
			WithDependency(dependency).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := MapHTTPError(resp.StatusCode, ReadErrorMessage(io.LimitReader(resp.Body, maxResponseBytes)), dependency)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e = e.WithRetryAfter(d)
		}
		return e
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return types.NewError(types.ErrSchemaValidation, "malformed response from "+dependency).
			WithDependency(dependency).
			WithCause(err)
	}
	return nil
}

// MapHTTPError 将远端 HTTP 状态码映射为能力错误码
func MapHTTPError(status int, msg, dependency string) *types.Error {
	var code types.ErrorCode
	switch status {
	case http.StatusUnauthorized:
		code = types.ErrAuthentication
	case http.StatusForbidden:
		code = types.ErrUnauthorized
	case http.StatusTooManyRequests:
		code = types.ErrRateLimitExceeded
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = types.ErrProcessingTimeout
	case http.StatusUnavailableForLegalReasons:
		code = types.ErrContentSafetyViolation
	case http.StatusPaymentRequired, http.StatusInsufficientStorage:
		code = types.ErrInsufficientResources
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = types.ErrInputValidation
	default:
		if status >= 500 {
			code = types.ErrExternalAPIFailure
		} else {
			code = types.ErrInputValidation
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return types.NewError(code, fmt.Sprintf("%s: %s", dependency, msg)).
		WithDependency(dependency)
}

// ReadErrorMessage 读取错误响应中的消息，支持 {"error":{"message":..}}
// 与 {"message":..} 两种形式，失败时回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		if errResp.Error.Message != "" {
			return errResp.Error.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter 只支持秒数形式
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
