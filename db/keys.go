package db

// 待处理交易的 key 前缀；value 是序列化的交易字节
const PendingTxPrefix = "pending_tx_"

func KeyPendingTx(digestHex string) string {
	return PendingTxPrefix + digestHex
}
