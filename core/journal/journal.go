// Package journal persists every user operation the wallet submits so that
// outcomes survive restarts and can be listed later.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/storage/schema"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
	StatusFailed   Status = "failed"
)

var ErrNotFound = errors.New("journal entry not found")

// ErrAlreadyDone is returned by Resolve and Fail when another caller already
// moved the entry out of pending. The returned entry holds the final state.
var ErrAlreadyDone = errors.New("journal entry already resolved")

type Entry struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	UserOpHash  common.Hash    `json:"userOpHash"`
	Sender      common.Address `json:"sender"`
	Sponsorship string         `json:"sponsorship"`
	Calls       []string       `json:"calls,omitempty"`
	// Deposit is the address a cross-chain swap funded; it is reported to the
	// swap provider once the operation is mined
	Deposit     string         `json:"deposit,omitempty"`
	Status      Status         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	TxHash      *common.Hash   `json:"txHash,omitempty"`
	GasCost     string         `json:"gasCost,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (e *Entry) Done() bool {
	return e.Status != StatusPending
}

type Journal struct {
	db     storage.Storage
	logger logger.Logger
	now    func() time.Time

	// serializes status transitions so the index and the entry never disagree
	mu sync.Mutex
}

func New(db storage.Storage, log logger.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger.Component(log, "journal"),
		now:    time.Now,
	}
}

// Record stores a new pending entry and fills in its ID and timestamps.
func (j *Journal) Record(e *Entry) error {
	if e.UserOpHash == (common.Hash{}) {
		return errors.New("journal entry needs a user operation hash")
	}
	now := j.now().UTC()
	e.ID = ulid.Make().String()
	e.Status = StatusPending
	e.CreatedAt = now
	e.UpdatedAt = now

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	err = j.db.Batch(map[string][]byte{
		string(schema.OperationKey(e.ID)):                     data,
		string(schema.HashKey(e.UserOpHash.Hex())):            []byte(e.ID),
		string(schema.StatusKey(string(StatusPending), e.ID)): {},
	}, nil)
	if err != nil {
		return fmt.Errorf("record operation %s: %w", e.UserOpHash.Hex(), err)
	}
	j.logger.Debug("operation recorded", "id", e.ID, "kind", e.Kind, "userOpHash", e.UserOpHash.Hex())
	return nil
}

// Resolve marks an entry as mined, successful or reverted according to the receipt.
func (j *Journal) Resolve(id string, receipt *userop.Receipt) (*Entry, error) {
	return j.transition(id, func(e *Entry) {
		e.Status = StatusSuccess
		if !receipt.Success {
			e.Status = StatusReverted
			e.Reason = receipt.Reason
		}
		if h := receipt.TxHash(); h != (common.Hash{}) {
			e.TxHash = &h
		}
		if receipt.ActualGasCost != nil {
			e.GasCost = receipt.ActualGasCost.ToInt().String()
		}
	})
}

// Fail marks an entry as failed with a reason.
func (j *Journal) Fail(id, reason string) (*Entry, error) {
	return j.transition(id, func(e *Entry) {
		e.Status = StatusFailed
		e.Reason = reason
	})
}

func (j *Journal) transition(id string, apply func(e *Entry)) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Done() {
		return e, fmt.Errorf("%w: %s", ErrAlreadyDone, id)
	}

	prev := e.Status
	apply(e)
	e.UpdatedAt = j.now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	err = j.db.Batch(map[string][]byte{
		string(schema.OperationKey(id)):                data,
		string(schema.StatusKey(string(e.Status), id)): {},
	}, [][]byte{schema.StatusKey(string(prev), id)})
	if err != nil {
		return nil, fmt.Errorf("update operation %s: %w", id, err)
	}
	j.logger.Info("operation resolved", "id", id, "userOpHash", e.UserOpHash.Hex(), "status", string(e.Status))
	return e, nil
}

func (j *Journal) Get(id string) (*Entry, error) {
	data, err := j.db.GetKey(schema.OperationKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return &e, nil
}

func (j *Journal) ByHash(hash common.Hash) (*Entry, error) {
	id, err := j.db.GetKey(schema.HashKey(hash.Hex()))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	if err != nil {
		return nil, err
	}
	return j.Get(string(id))
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (j *Journal) List(limit int) ([]*Entry, error) {
	items, err := j.db.GetByPrefix([]byte(schema.OperationPrefix))
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		var e Entry
		if err := json.Unmarshal(items[i].Value, &e); err != nil {
			j.logger.Warn("skipping undecodable entry", "key", string(items[i].Key), "error", err)
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// Pending returns the entries still waiting for a receipt, oldest first.
func (j *Journal) Pending() ([]*Entry, error) {
	keys, err := j.db.ListKeys(string(schema.StatusPrefixKey(string(StatusPending))) + "*")
	if err != nil {
		return nil, err
	}

	prefix := len(schema.StatusPrefixKey(string(StatusPending)))
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		e, err := j.Get(k[prefix:])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *Journal) CountPending() (int64, error) {
	return j.db.CountKeysByPrefix(schema.StatusPrefixKey(string(StatusPending)))
}
