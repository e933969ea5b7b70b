package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// TxHeaderSize 交易头长度（input 和签名之前的部分）
	TxHeaderSize = 32 + 32 + 8 + 4 + 2 + 2

	SignatureSize = 64

	// TxBaseSize 不含 input 的交易总长度
	TxBaseSize = TxHeaderSize + SignatureSize

	// MaxInputSize 单笔交易 input 上限
	MaxInputSize = 1024

	// MaxAmount 金额上限
	MaxAmount = 1_000_000_000_000_000
)

// Transaction 是定长头 + 变长 input + 签名的扁平记录。
// 内存布局与落盘布局一致（小端），Input 可能直接引用 arena 里的字节。
type Transaction struct {
	SourcePublicKey      Identity
	DestinationPublicKey Identity
	Amount               int64
	Tick                 uint32
	InputType            uint16
	InputSize            uint16
	Input                []byte
	Signature            [SignatureSize]byte
}

// TotalSize 序列化后的总字节数
func (tx *Transaction) TotalSize() uint64 {
	return TxBaseSize + uint64(tx.InputSize)
}

// CheckValidity 结构校验。签名验证属于外部协作者，不在这里做。
func (tx *Transaction) CheckValidity() bool {
	return tx.Amount >= 0 && tx.Amount <= MaxAmount && tx.InputSize <= MaxInputSize && int(tx.InputSize) == len(tx.Input)
}

// MarshalBinary 序列化为小端字节串
func (tx *Transaction) MarshalBinary() []byte {
	buf := make([]byte, tx.TotalSize())
	copy(buf[0:32], tx.SourcePublicKey[:])
	copy(buf[32:64], tx.DestinationPublicKey[:])
	binary.LittleEndian.PutUint64(buf[64:72], uint64(tx.Amount))
	binary.LittleEndian.PutUint32(buf[72:76], tx.Tick)
	binary.LittleEndian.PutUint16(buf[76:78], tx.InputType)
	binary.LittleEndian.PutUint16(buf[78:80], tx.InputSize)
	copy(buf[TxHeaderSize:TxHeaderSize+int(tx.InputSize)], tx.Input)
	copy(buf[TxHeaderSize+int(tx.InputSize):], tx.Signature[:])
	return buf
}

// ParseTransaction 从 buf 头部解析一笔交易。Input 直接引用 buf，不拷贝。
func ParseTransaction(buf []byte) (*Transaction, error) {
	if len(buf) < TxBaseSize {
		return nil, fmt.Errorf("transaction truncated: %d bytes", len(buf))
	}
	inputSize := binary.LittleEndian.Uint16(buf[78:80])
	total := TxBaseSize + int(inputSize)
	if len(buf) < total {
		return nil, fmt.Errorf("transaction truncated: need %d bytes, have %d", total, len(buf))
	}
	tx := &Transaction{
		Amount:    int64(binary.LittleEndian.Uint64(buf[64:72])),
		Tick:      binary.LittleEndian.Uint32(buf[72:76]),
		InputType: binary.LittleEndian.Uint16(buf[76:78]),
		InputSize: inputSize,
		Input:     buf[TxHeaderSize : TxHeaderSize+int(inputSize)],
	}
	copy(tx.SourcePublicKey[:], buf[0:32])
	copy(tx.DestinationPublicKey[:], buf[32:64])
	copy(tx.Signature[:], buf[TxHeaderSize+int(inputSize):total])
	return tx, nil
}

// TransactionTotalSize 只读出一笔序列化交易的总长度
func TransactionTotalSize(buf []byte) (uint64, error) {
	if len(buf) < TxHeaderSize {
		return 0, fmt.Errorf("transaction header truncated: %d bytes", len(buf))
	}
	return TxBaseSize + uint64(binary.LittleEndian.Uint16(buf[78:80])), nil
}
