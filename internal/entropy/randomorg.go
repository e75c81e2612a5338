package entropy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	randomOrgEndpoint = "https://api.random.org/json-rpc/4/invoke"
	randomOrgBatch    = 200
	randomOrgLowWater = 10
	randomOrgCooldown = time.Minute
)

// Client serves draws from a pool of random.org decimal fractions, topping
// the pool up in batches. When a refill fails the client answers from
// Fallback and does not call the service again until Cooldown has passed.
type Client struct {
	Endpoint string
	Fallback Source
	Cooldown time.Duration

	apiKey string
	http   *http.Client
	now    func() time.Time

	mu      sync.Mutex
	pool    []float64
	seq     int
	retryAt time.Time
}

// NewClient returns nil when apiKey is empty.
func NewClient(apiKey string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		Endpoint: randomOrgEndpoint,
		Fallback: Crypto{},
		Cooldown: randomOrgCooldown,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
}

// Float pops the next pooled value.
func (c *Client) Float() float64 {
	if c == nil {
		return Crypto{}.Float()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pool) < randomOrgLowWater && !c.now().Before(c.retryAt) {
		if err := c.refill(); err != nil {
			c.retryAt = c.now().Add(c.Cooldown)
			slog.Warn("random.org refill failed, using fallback", "error", err, "retry_in", c.Cooldown)
		}
	}
	if len(c.pool) == 0 {
		return c.Fallback.Float()
	}
	v := c.pool[0]
	c.pool = c.pool[1:]
	return v
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	APIKey        string `json:"apiKey"`
	N             int    `json:"n"`
	DecimalPlaces int    `json:"decimalPlaces"`
}

type rpcResponse struct {
	Result *struct {
		Random struct {
			Data []float64 `json:"data"`
		} `json:"random"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// refill must be called with c.mu held.
func (c *Client) refill() error {
	c.seq++
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "generateDecimalFractions",
		Params:  rpcParams{APIKey: c.apiKey, N: randomOrgBatch, DecimalPlaces: 8},
		ID:      c.seq,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.http.Post(c.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("random.org status %d", resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("random.org error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return fmt.Errorf("random.org response without result")
	}
	c.pool = append(c.pool, out.Result.Random.Data...)
	return nil
}
