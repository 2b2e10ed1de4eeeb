package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HTTPCustodian implements Custodian against an external custody rail
// speaking JSON-RPC over HTTP.
type HTTPCustodian struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewHTTPCustodian(baseURL, authToken string, timeout time.Duration) *HTTPCustodian {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCustodian{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObj    `json:"error"`
}

type rpcErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *HTTPCustodian) Receive(ctx context.Context, account uuid.UUID, asset string, amount uint64) error {
	return c.call(ctx, "custody_receive", transferParams(account, asset, amount))
}

func (c *HTTPCustodian) Release(ctx context.Context, account uuid.UUID, asset string, amount uint64) error {
	return c.call(ctx, "custody_release", transferParams(account, asset, amount))
}

func transferParams(account uuid.UUID, asset string, amount uint64) []interface{} {
	return []interface{}{map[string]string{
		"account": account.String(),
		"asset":   asset,
		"amount":  strconv.FormatUint(amount, 10),
	}}
}

func (c *HTTPCustodian) call(ctx context.Context, method string, params interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
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
		return fmt.Errorf("custody rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("custody rpc error: %s", rpcResp.Error.Message)
	}
	return nil
}
