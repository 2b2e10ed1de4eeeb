package exchange

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
	"sync/atomic"
	"time"
)

// HTTPRouter implements Router against an external swap-routing service
// speaking JSON-RPC over HTTP.
type HTTPRouter struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewHTTPRouter(baseURL, authToken string, timeout time.Duration) *HTTPRouter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRouter{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Amounts cross the wire as decimal strings so uint64 values survive JSON
// number handling on the far side.
type quoteResult struct {
	AmountOut string `json:"amountOut"`
}

type routeResult struct {
	Exists bool `json:"exists"`
}

type swapResult struct {
	AmountOut string `json:"amountOut"`
}

func (c *HTTPRouter) AmountOut(ctx context.Context, asset string, amountIn uint64) (uint64, error) {
	params := map[string]interface{}{
		"assetIn":  asset,
		"amountIn": strconv.FormatUint(amountIn, 10),
	}
	var result quoteResult
	if err := c.call(ctx, "router_quote", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return parseAmount(result.AmountOut)
}

func (c *HTTPRouter) HasDirectRoute(ctx context.Context, asset string) (bool, error) {
	var result routeResult
	err := c.call(ctx, "router_hasRoute", []interface{}{map[string]string{"assetIn": asset}}, &result)
	if err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (c *HTTPRouter) ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	params := map[string]interface{}{
		"assetIn":      req.Route,
		"amountIn":     strconv.FormatUint(req.AmountIn, 10),
		"minAmountOut": strconv.FormatUint(req.MinAmountOut, 10),
		"recipient":    req.Recipient.String(),
		"deadline":     req.Deadline.Unix(),
	}
	var result swapResult
	if err := c.call(ctx, "router_swap", []interface{}{params}, &result); err != nil {
		return SwapResult{}, err
	}
	out, err := parseAmount(result.AmountOut)
	if err != nil {
		return SwapResult{}, err
	}
	return SwapResult{AmountOut: out}, nil
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("router returned malformed amount %q: %w", s, err)
	}
	return v, nil
}

func (c *HTTPRouter) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("router rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("router rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("router rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
