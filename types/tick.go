package types

import "encoding/binary"

const (
	// TickDataSize 每个 tick 头记录的定长字节数
	TickDataSize = 4 + 4 + 8 + DigestSize + SignatureSize

	// TickVoteSize 每个 (tick, computor) 投票记录的定长字节数
	TickVoteSize = 4 + 4 + 2 + 6 + 3*DigestSize + SignatureSize
)

// TickData 每 tick 一条的头记录。Epoch == 0 表示空槽。
type TickData struct {
	Epoch                  uint32
	Tick                   uint32
	Timestamp              uint64
	TransactionDigestsRoot Digest
	Signature              [SignatureSize]byte
}

// IsEmpty reports whether the slot has never been written.
func (td *TickData) IsEmpty() bool {
	return td.Epoch == 0
}

func (td *TickData) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], td.Epoch)
	binary.LittleEndian.PutUint32(buf[4:8], td.Tick)
	binary.LittleEndian.PutUint64(buf[8:16], td.Timestamp)
	copy(buf[16:48], td.TransactionDigestsRoot[:])
	copy(buf[48:112], td.Signature[:])
}

func (td *TickData) UnmarshalFrom(buf []byte) {
	td.Epoch = binary.LittleEndian.Uint32(buf[0:4])
	td.Tick = binary.LittleEndian.Uint32(buf[4:8])
	td.Timestamp = binary.LittleEndian.Uint64(buf[8:16])
	copy(td.TransactionDigestsRoot[:], buf[16:48])
	copy(td.Signature[:], buf[48:112])
}

// TickVote 每 (tick, computor) 一条的投票记录。Epoch == 0 表示空槽。
type TickVote struct {
	Epoch              uint32
	Tick               uint32
	ComputorIndex      uint16
	PrevDigest         Digest
	StateDigest        Digest
	TransactionsDigest Digest
	Signature          [SignatureSize]byte
}

func (tv *TickVote) IsEmpty() bool {
	return tv.Epoch == 0
}

func (tv *TickVote) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], tv.Epoch)
	binary.LittleEndian.PutUint32(buf[4:8], tv.Tick)
	binary.LittleEndian.PutUint16(buf[8:10], tv.ComputorIndex)
	// buf[10:16] is layout padding, kept zero
	copy(buf[16:48], tv.PrevDigest[:])
	copy(buf[48:80], tv.StateDigest[:])
	copy(buf[80:112], tv.TransactionsDigest[:])
	copy(buf[112:176], tv.Signature[:])
}

func (tv *TickVote) UnmarshalFrom(buf []byte) {
	tv.Epoch = binary.LittleEndian.Uint32(buf[0:4])
	tv.Tick = binary.LittleEndian.Uint32(buf[4:8])
	tv.ComputorIndex = binary.LittleEndian.Uint16(buf[8:10])
	copy(tv.PrevDigest[:], buf[16:48])
	copy(tv.StateDigest[:], buf[48:80])
	copy(tv.TransactionsDigest[:], buf[80:112])
	copy(tv.Signature[:], buf[112:176])
}
