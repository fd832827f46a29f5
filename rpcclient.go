package slasher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chain/txvm/errors"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// ValidatorClient talks JSON-RPC to the upstream validator node.
type ValidatorClient struct {
	URL  string
	HTTP *http.Client
}

// NewValidatorClient returns a client for the validator at rpcURL.
func NewValidatorClient(rpcURL string) *ValidatorClient {
	return &ValidatorClient{
		URL:  rpcURL,
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

// Forward posts a raw JSON-RPC request body to the validator and returns
// the raw response body. The body is relayed verbatim in both directions.
func (c *ValidatorClient) Forward(ctx context.Context, body []byte) ([]byte, error) {
	return c.post(ctx, c.URL, body)
}

func (c *ValidatorClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "posting to validator")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading validator response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Wrapf(errors.New(string(respBody)), "validator returned status %d", resp.StatusCode)
	}
	return respBody, nil
}

// call performs a JSON-RPC call against url and returns the result field.
func (c *ValidatorClient) call(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling %s request", method)
	}
	respBody, err := c.post(ctx, url, body)
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrapf(err, "parsing %s response", method)
	}
	if resp.Error != nil {
		return nil, errors.Wrapf(errors.New(resp.Error.Message), "%s failed", method)
	}
	return resp.Result, nil
}

// GetBlockByNumber fetches the canonical block n with full transaction
// objects and returns the raw result object.
func (c *ValidatorClient) GetBlockByNumber(ctx context.Context, n uint64) (json.RawMessage, error) {
	result, err := c.call(ctx, c.URL, "eth_getBlockByNumber", []interface{}{fmt.Sprintf("0x%x", n), true})
	return result, errors.Wrapf(err, "fetching block %d", n)
}

// NodeID queries the validator identity over the info endpoint
// (info.getNodeID on /ext/info, derived from the RPC URL's host).
func (c *ValidatorClient) NodeID(ctx context.Context) (string, error) {
	infoURL, err := infoEndpoint(c.URL)
	if err != nil {
		return "", err
	}
	result, err := c.call(ctx, infoURL, "info.getNodeID", struct{}{})
	if err != nil {
		return "", err
	}
	var parsed struct {
		NodeID string `json:"nodeID"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", errors.Wrap(err, "parsing info.getNodeID result")
	}
	if parsed.NodeID == "" {
		return "", errors.New("empty nodeID from validator")
	}
	return parsed.NodeID, nil
}

// infoEndpoint rewrites an RPC or WebSocket URL to the node's /ext/info
// endpoint, keeping the host and mapping ws schemes to http ones.
func infoEndpoint(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing validator url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/ext/info"
	u.RawQuery = ""
	return u.String(), nil
}
