package bundler

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// NonceManager remembers the next nonce per sender so that consecutive
// operations do not collide while earlier ones still sit in the bundler mempool.
type NonceManager struct {
	mu      sync.Mutex
	pending map[common.Address]*big.Int
	logger  logger.Logger
}

func NewNonceManager(log logger.Logger) *NonceManager {
	return &NonceManager{
		pending: make(map[common.Address]*big.Int),
		logger:  logger.EnsureLogger(log),
	}
}

// Next returns max(on-chain nonce, cached pending nonce).
func (nm *NonceManager) Next(sender common.Address, onChain func() (*big.Int, error)) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	chainNonce, err := onChain()
	if err != nil {
		return nil, err
	}

	cached, ok := nm.pending[sender]
	if !ok || chainNonce.Cmp(cached) > 0 {
		return new(big.Int).Set(chainNonce), nil
	}
	nm.logger.Debug("using cached nonce", "sender", sender.Hex(), "cached", cached, "onChain", chainNonce)
	return new(big.Int).Set(cached), nil
}

// Commit records that used was accepted by the bundler.
func (nm *NonceManager) Commit(sender common.Address, used *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pending[sender] = new(big.Int).Add(used, big.NewInt(1))
}

// Reset drops the cached nonce, forcing the next call back to chain state.
func (nm *NonceManager) Reset(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pending, sender)
	nm.logger.Info("nonce cache reset", "sender", sender.Hex())
}

// Cached returns the cached next nonce, if any.
func (nm *NonceManager) Cached(sender common.Address) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	n, ok := nm.pending[sender]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(n), true
}
