package types

import "encoding/hex"

// DigestSize 256-bit 摘要
const DigestSize = 32

// Digest is the 256-bit KangarooTwelve hash of a serialized transaction.
type Digest [DigestSize]byte

// Identity is a 32-byte entity id (source/destination/contract account).
type Identity [32]byte

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ContractID derives the account identity of a contract from its index.
func ContractID(contractIndex uint32) Identity {
	var id Identity
	id[0] = byte(contractIndex)
	id[1] = byte(contractIndex >> 8)
	id[2] = byte(contractIndex >> 16)
	id[3] = byte(contractIndex >> 24)
	return id
}
