package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

type AggregatorConfig struct {
	URL         string
	APIKey      string
	SlippageBps int
	Timeout     time.Duration
}

// Quote is the subset of a 0x style /swap/v1/quote response the wallet executes.
type Quote struct {
	To              common.Address `json:"to"`
	Data            hexutil.Bytes  `json:"data"`
	Value           string         `json:"value"`
	AllowanceTarget common.Address `json:"allowanceTarget"`
	BuyAmount       string         `json:"buyAmount"`
	SellAmount      string         `json:"sellAmount"`
	Price           string         `json:"price"`
	EstimatedGas    string         `json:"estimatedGas"`
}

type quoteError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// AggregatorSwapper quotes against a swap aggregator HTTP API and executes the
// quote as approve + swap in a single user operation.
type AggregatorSwapper struct {
	cfg    AggregatorConfig
	http   *resty.Client
	sub    Submitter
	logger logger.Logger
}

func NewAggregatorSwapper(cfg AggregatorConfig, sub Submitter, log logger.Logger) (*AggregatorSwapper, error) {
	if cfg.URL == "" {
		return nil, errors.New("swap api url is required")
	}
	if sub == nil {
		return nil, errors.New("submitter is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("0x-api-key", cfg.APIKey)
	}

	return &AggregatorSwapper{
		cfg:    cfg,
		http:   client,
		sub:    sub,
		logger: logger.Component(log, "swap.aggregator"),
	}, nil
}

func (s *AggregatorSwapper) Name() string { return "aggregator" }

// Quote fetches an executable quote for req.
func (s *AggregatorSwapper) Quote(ctx context.Context, req Request) (*Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	slippage := decimal.NewFromInt(int64(s.cfg.SlippageBps)).Shift(-4)

	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sellToken":          req.From.Hex(),
			"buyToken":           req.To.Hex(),
			"sellAmount":         req.Amount.String(),
			"takerAddress":       req.Sender.Hex(),
			"slippagePercentage": slippage.String(),
			"skipValidation":     "true",
		}).
		SetResult(&Quote{}).
		SetError(&quoteError{}).
		Get("/swap/v1/quote")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: swap quote: %w", bundler.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: swap quote returned status %d", bundler.ErrNetwork, resp.StatusCode())
	case resp.IsError():
		reason := resp.String()
		if qe, ok := resp.Error().(*quoteError); ok && qe.Reason != "" {
			reason = qe.Reason
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrQuoteRejected, resp.StatusCode(), reason)
	}

	q := resp.Result().(*Quote)
	if q.To == (common.Address{}) || len(q.Data) == 0 {
		return nil, fmt.Errorf("%w: quote has no transaction", ErrQuoteRejected)
	}
	return q, nil
}

// Calls turns a quote into the calls the account executes.
func (s *AggregatorSwapper) Calls(req Request, q *Quote) ([]aa.Call, error) {
	value := new(big.Int)
	if q.Value != "" {
		if _, ok := value.SetString(q.Value, 10); !ok {
			return nil, fmt.Errorf("%w: bad quote value %q", ErrQuoteRejected, q.Value)
		}
	}

	var calls []aa.Call
	if req.From != NativeToken && q.AllowanceTarget != (common.Address{}) {
		approve, err := aa.ApproveCall(req.From, q.AllowanceTarget, req.Amount)
		if err != nil {
			return nil, err
		}
		calls = append(calls, approve)
	}
	calls = append(calls, aa.Call{To: q.To, Value: value, Data: q.Data})
	return calls, nil
}

func (s *AggregatorSwapper) Swap(ctx context.Context, req Request) (common.Hash, error) {
	q, err := s.Quote(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	calls, err := s.Calls(req, q)
	if err != nil {
		return common.Hash{}, err
	}

	s.logger.Info("swap quoted",
		"sellToken", req.From.Hex(),
		"buyToken", req.To.Hex(),
		"sellAmount", req.Amount.String(),
		"buyAmount", q.BuyAmount,
		"calls", len(calls))

	return s.sub.SendCalls(ctx, calls, req.Sponsorship)
}
