package models

// CreateEscrowRequest 创建胶囊请求，金额为最小单位的十进制字符串
type CreateEscrowRequest struct {
	Amount     string `json:"amount"`
	Message    string `json:"message"`
	FileHash   string `json:"file_hash"`
	UnlockTime int64  `json:"unlock_time"`
}

// TransferRequest 转移所有权请求
type TransferRequest struct {
	NewOwner string `json:"new_owner"`
}

// RescueRequest 管理员取回代币请求
type RescueRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// AllowanceRequest 授权账本划转的额度，0表示撤销
type AllowanceRequest struct {
	Amount string `json:"amount"`
}

// MintRequest 本地账本增发托管代币
type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}
