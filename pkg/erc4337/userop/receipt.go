package userop

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperationEventTopic is keccak256("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)").
var UserOperationEventTopic = common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f")

// Receipt is the eth_getUserOperationReceipt result.
type Receipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     common.Address  `json:"paymaster"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Logs          []Log           `json:"logs"`
	Receipt       *TxReceiptBrief `json:"receipt"`
}

// Log is a log entry emitted while executing the operation.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// TxReceiptBrief keeps the parts of the bundle transaction receipt callers use.
// Bundlers disagree on the remaining fields, so the full receipt is not decoded.
type TxReceiptBrief struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	From            common.Address `json:"from"`
	GasUsed         *hexutil.Big   `json:"gasUsed"`
	Status          hexutil.Uint64 `json:"status"`
}

// TxHash returns the hash of the bundle transaction that included the operation.
func (r *Receipt) TxHash() common.Hash {
	if r == nil || r.Receipt == nil {
		return common.Hash{}
	}
	return r.Receipt.TransactionHash
}

// ByHash is the eth_getUserOperationByHash result.
type ByHash struct {
	UserOperation   map[string]any `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
}
