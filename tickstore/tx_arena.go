package tickstore

import (
	"fmt"
	"sync"

	"qnode/config"
	"qnode/types"
)

// TxArena 保存变长交易的连续缓冲区和 (tick, slot) -> 偏移 的槽表。
// 当前 epoch 区在前，上一 epoch 区在后；偏移 0 表示空槽。
// tick 范围等元数据由 arena 自己维护，换 epoch 时整体搬移并重定位偏移。
type TxArena struct {
	cfg config.StorageConfig

	// Tick number range of current epoch storage
	tickBegin uint32
	tickEnd   uint32

	// Tick number range of previous epoch storage
	oldTickBegin uint32
	oldTickEnd   uint32

	txs     []byte   // both epoch regions, current first
	offsets []uint64 // slot table, both epoch regions

	// offset of next free space in the current epoch region
	next uint64

	mu sync.Mutex
}

func NewTxArena(cfg config.StorageConfig) *TxArena {
	return &TxArena{
		cfg:     cfg,
		txs:     make([]byte, cfg.TxsSize()),
		offsets: make([]uint64, cfg.TxOffsetsLength()),
		next:    cfg.FirstTickTransactionOffset,
	}
}

// Lock 粗粒度 arena 锁。持锁者才能追加，读取返回的字节视图也要求持锁。
func (a *TxArena) Lock()   { a.mu.Lock() }
func (a *TxArena) Unlock() { a.mu.Unlock() }

// StorageSpaceCurrentEpoch 当前 epoch 区可用的总字节数
func (a *TxArena) StorageSpaceCurrentEpoch() uint64 {
	return a.cfg.TxsSizeCurrentEpoch()
}

// NextOffset 下一个追加位置（caller 持锁时才有一致性意义）
func (a *TxArena) NextOffset() uint64 {
	return a.next
}

func (a *TxArena) TickRange() (tickBegin, tickEnd uint32) {
	return a.tickBegin, a.tickEnd
}

func (a *TxArena) OldTickRange() (oldTickBegin, oldTickEnd uint32) {
	return a.oldTickBegin, a.oldTickEnd
}

// Check whether tick is stored in the current epoch region.
func (a *TxArena) TickInCurrentEpoch(tick uint32) bool {
	return tick >= a.tickBegin && tick < a.tickEnd
}

// Check whether tick is stored in the previous epoch region.
func (a *TxArena) TickInPreviousEpoch(tick uint32) bool {
	return a.oldTickBegin <= tick && tick < a.oldTickEnd
}

// Return index of tick in current epoch (does not check tick).
func (a *TxArena) TickToIndexCurrentEpoch(tick uint32) uint32 {
	return tick - a.tickBegin
}

// Return index of tick in previous epoch (does not check that it is stored).
func (a *TxArena) TickToIndexPreviousEpoch(tick uint32) uint32 {
	return tick - a.oldTickBegin + a.cfg.MaxTicksPerEpoch
}

// OffsetsByTickIndex 返回某个 tick 槽表行（TransactionsPerTick 个元素的视图）
func (a *TxArena) OffsetsByTickIndex(tickIndex uint32) []uint64 {
	n := uint64(a.cfg.TransactionsPerTick)
	start := uint64(tickIndex) * n
	return a.offsets[start : start+n]
}

// Ptr 返回从 offset 到缓冲区末尾的字节视图；越界返回 nil
func (a *TxArena) Ptr(offset uint64) []byte {
	if offset >= uint64(len(a.txs)) {
		return nil
	}
	return a.txs[offset:]
}

// TransactionAt 解析 offset 处的交易（视图，不拷贝 input）
func (a *TxArena) TransactionAt(offset uint64) (*types.Transaction, error) {
	buf := a.Ptr(offset)
	if buf == nil {
		return nil, fmt.Errorf("arena: offset %d out of range", offset)
	}
	return types.ParseTransaction(buf)
}

// AppendLocked 在持锁状态下把 txBytes 追加进当前 epoch 区，并把旧的
// bump 值写入 (tickIndex, slot) 槽表项。槽表项必须为空。
// 空间不足或槽被占用时返回 false，arena 不变。
func (a *TxArena) AppendLocked(tickIndex, slot uint32, txBytes []byte) (uint64, bool) {
	size := uint64(len(txBytes))
	if a.next+size > a.cfg.TxsSizeCurrentEpoch() {
		return 0, false
	}
	row := a.OffsetsByTickIndex(tickIndex)
	if row[slot] != 0 {
		return 0, false
	}
	offset := a.next
	copy(a.txs[offset:offset+size], txBytes)
	a.next += size
	row[slot] = offset
	return offset, true
}

// Begin new epoch. If not called the first time (seamless transition), assume
// that the ticks to keep are ticks in [newInitialTick-TicksToKeep, newInitialTick-1].
func (a *TxArena) BeginEpoch(newInitialTick uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	curSize := a.cfg.TxsSizeCurrentEpoch()
	prevSize := a.cfg.TxsSizePreviousEpoch()
	curOffsetsLen := a.cfg.TxOffsetsLengthCurrentEpoch()

	if a.tickBegin != 0 && a.TickInCurrentEpoch(newInitialTick) && a.tickBegin < newInitialTick {
		// seamless epoch transition: keep some ticks of prior epoch
		a.oldTickEnd = newInitialTick
		a.oldTickBegin = newInitialTick - a.cfg.TicksToKeep
		if a.oldTickBegin < a.tickBegin {
			a.oldTickBegin = a.tickBegin
		}

		// copy the tail of the current-epoch transactions into the previous-epoch region
		used := a.next - a.cfg.FirstTickTransactionOffset
		keep := used
		if keep > prevSize {
			keep = prevSize
		}
		firstToKeep := a.next - keep
		copy(a.txs[curSize:curSize+keep], a.txs[firstToKeep:a.next])

		// rebase surviving offsets (anchored at the end of the kept data)
		offsetDelta := (curSize + keep) - a.next
		for tick := a.oldTickBegin; tick < a.oldTickEnd; tick++ {
			cur := a.OffsetsByTickIndex(a.TickToIndexCurrentEpoch(tick))
			prev := a.OffsetsByTickIndex(a.TickToIndexPreviousEpoch(tick))
			for i := range cur {
				offset := cur[i]
				if offset == 0 || offset < firstToKeep {
					// transaction not available (either not stored at all or
					// not fitting into the previous-epoch region)
					prev[i] = 0
				} else {
					prev[i] = offset + offsetDelta
				}
			}
		}

		// reset storage of the new epoch
		clear(a.txs[:curSize])
		clear(a.offsets[:curOffsetsLen])
	} else {
		// node startup with no data of prior epoch
		clear(a.txs)
		clear(a.offsets)
		a.oldTickBegin = 0
		a.oldTickEnd = 0
	}

	a.tickBegin = newInitialTick
	a.tickEnd = newInitialTick + a.cfg.MaxTicksPerEpoch

	a.next = a.cfg.FirstTickTransactionOffset
}

// CheckConsistency 遍历两个 epoch 区，验证槽表与交易数据的一致性。
func (a *TxArena) CheckConsistency() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tickBegin > a.tickEnd {
		return fmt.Errorf("arena: tickBegin %d > tickEnd %d", a.tickBegin, a.tickEnd)
	}
	if a.tickEnd-a.tickBegin > a.cfg.TickDataLength() {
		return fmt.Errorf("arena: current range too wide: [%d, %d)", a.tickBegin, a.tickEnd)
	}
	if a.oldTickBegin > a.oldTickEnd || a.oldTickEnd-a.oldTickBegin > a.cfg.TicksToKeep {
		return fmt.Errorf("arena: bad previous range [%d, %d)", a.oldTickBegin, a.oldTickEnd)
	}
	if a.oldTickEnd > a.tickBegin {
		return fmt.Errorf("arena: previous range [%d, %d) overlaps current [%d, %d)", a.oldTickBegin, a.oldTickEnd, a.tickBegin, a.tickEnd)
	}
	if a.next < a.cfg.FirstTickTransactionOffset || a.next > a.cfg.TxsSizeCurrentEpoch() {
		return fmt.Errorf("arena: next offset %d out of range", a.next)
	}

	// previous epoch region
	for tick := a.oldTickBegin; tick < a.oldTickEnd; tick++ {
		row := a.OffsetsByTickIndex(a.TickToIndexPreviousEpoch(tick))
		for i, offset := range row {
			if offset == 0 {
				continue
			}
			tx, err := a.TransactionAt(offset)
			if err != nil {
				return fmt.Errorf("arena: prev epoch tick %d slot %d: %w", tick, i, err)
			}
			if !tx.CheckValidity() || tx.Tick != tick {
				return fmt.Errorf("arena: prev epoch tick %d slot %d holds invalid transaction (tick %d)", tick, i, tx.Tick)
			}
		}
	}

	// current epoch region: the bump pointer must equal the max end offset
	lastEnd := a.cfg.FirstTickTransactionOffset
	for tick := a.tickBegin; tick < a.tickEnd; tick++ {
		row := a.OffsetsByTickIndex(a.TickToIndexCurrentEpoch(tick))
		for i, offset := range row {
			if offset == 0 {
				continue
			}
			tx, err := a.TransactionAt(offset)
			if err != nil {
				return fmt.Errorf("arena: cur epoch tick %d slot %d: %w", tick, i, err)
			}
			if !tx.CheckValidity() || tx.Tick != tick {
				return fmt.Errorf("arena: cur epoch tick %d slot %d holds invalid transaction (tick %d)", tick, i, tx.Tick)
			}
			if end := offset + tx.TotalSize(); end > lastEnd {
				lastEnd = end
			}
		}
	}
	if lastEnd != a.next {
		return fmt.Errorf("arena: next offset %d does not match last transaction end %d", a.next, lastEnd)
	}
	return nil
}

// rawTxs / rawOffsets 给快照读写用的底层视图
func (a *TxArena) rawTxs() []byte      { return a.txs }
func (a *TxArena) rawOffsets() []uint64 { return a.offsets }

func (a *TxArena) setNext(next uint64) { a.next = next }
