// Package amm defines the seam to the external pool router that accepts
// migrated reserves and returns a pool-share receipt.
//
// The engine treats the router call as a single atomic external operation:
// any error is surfaced unchanged and the engine commits nothing.
package amm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// AddLiquidityRequest carries one migration into the pool. MinToken and
// MinEth are the slippage-bounded minimums; Deadline is an absolute
// timestamp after which the router must refuse the operation.
type AddLiquidityRequest struct {
	TokenAddress string          `json:"token_address"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	EthAmount    decimal.Decimal `json:"eth_amount"`
	MinToken     decimal.Decimal `json:"min_token"`
	MinEth       decimal.Decimal `json:"min_eth"`
	Recipient    string          `json:"recipient"`
	Deadline     time.Time       `json:"deadline"`
}

// Receipt is the router's response: the (lazily created) pair, the input
// amounts actually consumed, and the pool shares minted.
type Receipt struct {
	Pair      string          `json:"pair"`
	UsedToken decimal.Decimal `json:"used_token"`
	UsedEth   decimal.Decimal `json:"used_eth"`
	LPAmount  decimal.Decimal `json:"lp_amount"`
}

// Router is the external pool collaborator.
type Router interface {
	AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error)
}

// HTTPRouter talks to a pool router service over JSON/HTTP. The request
// deadline is enforced through the context so a slow router cannot hold
// the engine past the migration deadline.
type HTTPRouter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRouter creates a router client for the given base URL.
func NewHTTPRouter(baseURL string) *HTTPRouter {
	return &HTTPRouter{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (r *HTTPRouter) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("amm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/liquidity", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("amm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("amm: router call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("amm: router returned %d: %s", resp.StatusCode, snippet)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("amm: decode receipt: %w", err)
	}
	return &receipt, nil
}

// StubRouter fabricates receipts locally. Used for development when no
// router service is configured; consumes the full input on both sides and
// values the pool shares at twice the quote-side reserve.
type StubRouter struct{}

func (StubRouter) AddLiquidity(_ context.Context, req AddLiquidityRequest) (*Receipt, error) {
	return &Receipt{
		Pair:      "pair-" + req.TokenAddress,
		UsedToken: req.TokenAmount,
		UsedEth:   req.EthAmount,
		LPAmount:  req.EthAmount.Mul(decimal.NewFromInt(2)),
	}, nil
}
