package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	solanarpc "solana-fee-pipeline/internal/solana"
)

// SwapAPIConfig configures the AMM aggregator client.
type SwapAPIConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	SlippageBps int
	HTTPClient  *http.Client
	// RPS and Burst bound the request rate. Zero disables limiting.
	RPS   float64
	Burst int
}

func (cfg *SwapAPIConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > 10000 {
		return fmt.Errorf("slippage bps must be in [0, 10000], got %d", cfg.SlippageBps)
	}
	return nil
}

// SwapAPIClient is an AMM venue backed by an HTTP swap aggregator: a quote
// followed by a serialized swap transaction built for the custodial wallet.
type SwapAPIClient struct {
	log         *slog.Logger
	baseURL     string
	slippageBps int
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

// NewSwapAPIClient creates a rate limited, circuit broken aggregator client.
func NewSwapAPIClient(cfg SwapAPIConfig) (*SwapAPIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &SwapAPIClient{
		log:         cfg.Logger.With("component", "swap_api"),
		baseURL:     cfg.BaseURL,
		slippageBps: cfg.SlippageBps,
		httpClient:  httpClient,
		limiter:     limiter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "swap-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}, nil
}

// Quote is an aggregator quote. Raw is passed back verbatim when requesting
// the swap transaction.
type Quote struct {
	InAmount  string `json:"inAmount"`
	OutAmount string `json:"outAmount"`
	Raw       json.RawMessage
}

// Quote requests a price for selling amount of inputMint into outputMint.
func (c *SwapAPIClient) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(c.slippageBps))

	body, err := c.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	quote.Raw = body
	return &quote, nil
}

type swapRequest struct {
	QuoteResponse json.RawMessage `json:"quoteResponse"`
	UserPublicKey string          `json:"userPublicKey"`
	FeePayer      string          `json:"feePayer,omitempty"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"` // base64
}

// BuildSwap quotes the sale into wrapped SOL and returns the aggregator's
// unsigned transaction.
func (c *SwapAPIClient) BuildSwap(ctx context.Context, in SwapInput) (*solana.Transaction, error) {
	quote, err := c.Quote(ctx, in.Mint.String(), solanarpc.NativeMint, in.Amount)
	if err != nil {
		return nil, err
	}
	c.log.Debug("swap quote", "mint", in.Mint.String(), "in_amount", quote.InAmount, "out_amount", quote.OutAmount)

	body, err := c.do(ctx, http.MethodPost, "/swap", swapRequest{
		QuoteResponse: quote.Raw,
		UserPublicKey: in.Owner.String(),
		FeePayer:      in.Payer.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("swap response has no transaction")
	}
	return decodeTransaction(resp.SwapTransaction)
}

// do sends one request through the limiter and the breaker.
func (c *SwapAPIClient) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, endpoint, payload)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *SwapAPIClient) send(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &solanarpc.HTTPStatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// decodeTransaction decodes a base64 wire transaction.
func decodeTransaction(b64 string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}
