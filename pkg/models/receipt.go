package models

// TxReceipt 写操作的回执，本地账本没有交易哈希
type TxReceipt struct {
	TxHash   string `json:"tx_hash,omitempty"`
	EscrowID uint64 `json:"escrow_id,omitempty"`
	Block    uint64 `json:"block,omitempty"`
}
