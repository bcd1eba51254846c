// Package tokens resolves ERC-20 metadata and converts human amounts to base units.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// Metadata describes an ERC-20 token.
type Metadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Source   string         `json:"source"` // "config" or "rpc"
}

// Registry answers token decimals from configuration first, then a local
// cache, then the token contract.
type Registry struct {
	static  map[common.Address]uint8
	backend aa.Backend
	cache   *bigcache.BigCache
	logger  logger.Logger
}

func NewRegistry(ctx context.Context, static map[common.Address]uint8, backend aa.Backend, ttl time.Duration, log logger.Logger) (*Registry, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	cfg := bigcache.DefaultConfig(ttl)
	// token metadata is tiny and bounded by the number of tokens in use
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 256
	cfg.HardMaxCacheSize = 8
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := make(map[common.Address]uint8, len(static))
	for k, v := range static {
		s[k] = v
	}
	return &Registry{
		static:  s,
		backend: backend,
		cache:   cache,
		logger:  logger.Component(log, "tokens"),
	}, nil
}

func (r *Registry) Close() error {
	return r.cache.Close()
}

// Decimals returns the number of decimals of token.
func (r *Registry) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := r.static[token]; ok {
		return d, nil
	}

	key := "decimals:" + token.Hex()
	if b, err := r.cache.Get(key); err == nil && len(b) == 1 {
		return b[0], nil
	}

	d, err := aa.TokenDecimals(ctx, r.backend, token)
	if err != nil {
		return 0, err
	}
	if err := r.cache.Set(key, []byte{d}); err != nil {
		r.logger.Warn("cannot cache token decimals", "token", token.Hex(), "error", err)
	}
	r.logger.Debug("token decimals loaded", "token", token.Hex(), "decimals", d)
	return d, nil
}

// Metadata returns symbol and decimals. The symbol always comes from the contract.
func (r *Registry) Metadata(ctx context.Context, token common.Address) (*Metadata, error) {
	key := "metadata:" + token.Hex()
	if b, err := r.cache.Get(key); err == nil {
		var m Metadata
		if err := json.Unmarshal(b, &m); err == nil {
			return &m, nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		r.logger.Warn("token cache read failed", "token", token.Hex(), "error", err)
	}

	d, err := r.Decimals(ctx, token)
	if err != nil {
		return nil, err
	}
	symbol, err := aa.TokenSymbol(ctx, r.backend, token)
	if err != nil {
		return nil, err
	}

	m := &Metadata{Address: token, Symbol: symbol, Decimals: d, Source: "rpc"}
	if _, ok := r.static[token]; ok {
		m.Source = "config"
	}
	if b, err := json.Marshal(m); err == nil {
		_ = r.cache.Set(key, b)
	}
	return m, nil
}

// Configured lists the tokens with statically configured decimals.
func (r *Registry) Configured() []common.Address {
	out := lo.Keys(r.static)
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}
