package tickstore

import (
	"fmt"
	"sync"

	"qnode/config"
	"qnode/logs"
	"qnode/types"
	"qnode/utils"

	lru "github.com/hashicorp/golang-lru"
)

// 最近命中的 digest -> offset 缓存大小
const txReadCacheSize = 8192

// Storage 是已提交 tick 数据的 epoch 级存储：
// - tickData（每 tick 一条头记录）
// - ticks（每 (tick, computor) 一条投票记录）
// - arena（变长交易缓冲 + 槽表）
// - digestIndex（当前 epoch 内按摘要找交易）
// 当前 epoch 区之外还保留上一 epoch 的最后 TicksToKeep 个 tick。
type Storage struct {
	cfg config.StorageConfig

	// Tick number range of current epoch storage
	tickBegin uint32
	tickEnd   uint32

	// Tick number range of previous epoch storage
	oldTickBegin uint32
	oldTickEnd   uint32

	tickData []types.TickData
	ticks    []types.TickVote

	// Lock for securing tickData
	tickDataMu sync.Mutex

	// One lock per computor for securing the ticks element being written
	// (only ticks of the running tick are ever written)
	ticksLocks []sync.Mutex

	// Lock for securing the digest index
	digestsMu sync.Mutex
	digests   *digestIndex

	arena *TxArena

	// 按摘要读交易的旁路缓存（miss 才探测索引）
	txReadCache *lru.Cache

	meta snapshotMeta

	// low-water tick for re-deriving the saved arena length
	lastCheckTick uint32
}

// NewStorage 节点启动时分配全部存储
func NewStorage(cfg config.StorageConfig) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(txReadCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		cfg:         cfg,
		tickData:    make([]types.TickData, cfg.TickDataLength()),
		ticks:       make([]types.TickVote, cfg.TicksLength()),
		ticksLocks:  make([]sync.Mutex, cfg.NumberOfComputors),
		digests:     newDigestIndex(cfg.MaxTxsCurrentEpoch()),
		arena:       NewTxArena(cfg),
		txReadCache: cache,
	}
	return s, nil
}

// Deinit 节点关闭时释放存储
func (s *Storage) Deinit() {
	s.tickData = nil
	s.ticks = nil
	s.digests = nil
	s.arena = nil
	if s.txReadCache != nil {
		s.txReadCache.Purge()
	}
}

func (s *Storage) Config() config.StorageConfig { return s.cfg }

// Arena 暴露底层交易缓冲（快照与测试用）
func (s *Storage) Arena() *TxArena { return s.arena }

func (s *Storage) TickRange() (uint32, uint32)    { return s.tickBegin, s.tickEnd }
func (s *Storage) OldTickRange() (uint32, uint32) { return s.oldTickBegin, s.oldTickEnd }

// Check whether tick is stored in the current epoch storage.
func (s *Storage) TickInCurrentEpoch(tick uint32) bool {
	return tick >= s.tickBegin && tick < s.tickEnd
}

// Check whether tick is stored in the previous epoch storage.
func (s *Storage) TickInPreviousEpoch(tick uint32) bool {
	return s.oldTickBegin <= tick && tick < s.oldTickEnd
}

// Return index of tick data in current epoch (does not check tick).
func (s *Storage) TickToIndexCurrentEpoch(tick uint32) uint32 {
	return tick - s.tickBegin
}

// Return index of tick data in previous epoch (does not check that it is stored).
func (s *Storage) TickToIndexPreviousEpoch(tick uint32) uint32 {
	return tick - s.oldTickBegin + s.cfg.MaxTicksPerEpoch
}

func (s *Storage) tickToIndex(tick uint32) (uint32, bool) {
	if s.TickInCurrentEpoch(tick) {
		return s.TickToIndexCurrentEpoch(tick), true
	}
	if s.TickInPreviousEpoch(tick) {
		return s.TickToIndexPreviousEpoch(tick), true
	}
	return 0, false
}

// Begin new epoch. If not called the first time (seamless transition), assume
// that the ticks to keep are ticks in [newInitialTick-TicksToKeep, newInitialTick-1].
func (s *Storage) BeginEpoch(newInitialTick uint32) {
	nc := uint64(s.cfg.NumberOfComputors)
	maxTicks := s.cfg.MaxTicksPerEpoch

	// the arena and its slot table roll over first, then the tick rows
	s.arena.BeginEpoch(newInitialTick)

	if s.tickBegin != 0 && s.TickInCurrentEpoch(newInitialTick) && s.tickBegin < newInitialTick {
		// seamless epoch transition: keep some ticks of prior epoch
		s.oldTickEnd = newInitialTick
		s.oldTickBegin = newInitialTick - s.cfg.TicksToKeep
		if s.oldTickBegin < s.tickBegin {
			s.oldTickBegin = s.tickBegin
		}
		logs.Debug("[TickStore] keep ticks of prior epoch: oldTickBegin=%d oldTickEnd=%d", s.oldTickBegin, s.oldTickEnd)

		tickIndex := uint64(s.TickToIndexCurrentEpoch(s.oldTickBegin))
		tickCount := uint64(s.oldTickEnd - s.oldTickBegin)

		// copy ticks and tick data from the recently ended epoch into the
		// previous-epoch region
		copy(s.tickData[maxTicks:uint64(maxTicks)+tickCount], s.tickData[tickIndex:tickIndex+tickCount])
		copy(s.ticks[uint64(maxTicks)*nc:(uint64(maxTicks)+tickCount)*nc], s.ticks[tickIndex*nc:(tickIndex+tickCount)*nc])

		// reset data storage of the new epoch
		clear(s.tickData[:maxTicks])
		clear(s.ticks[:uint64(maxTicks)*nc])
	} else {
		// node startup with no data of prior epoch (previous-epoch region is
		// available as spare storage for the current epoch)
		clear(s.tickData)
		clear(s.ticks)
		s.oldTickBegin = 0
		s.oldTickEnd = 0
	}

	s.tickBegin = newInitialTick
	s.tickEnd = newInitialTick + maxTicks

	// digest index and read cache only ever cover the current epoch
	s.digestsMu.Lock()
	s.digests.Reset()
	s.digestsMu.Unlock()
	s.txReadCache.Purge()

	s.lastCheckTick = 0
}

// ---- tick data ----

// GetTickData 返回 tick 对应的头记录副本；空槽或范围外返回 false
func (s *Storage) GetTickData(tick uint32) (types.TickData, bool) {
	index, ok := s.tickToIndex(tick)
	if !ok {
		return types.TickData{}, false
	}
	s.tickDataMu.Lock()
	td := s.tickData[index]
	s.tickDataMu.Unlock()
	if td.IsEmpty() {
		return types.TickData{}, false
	}
	return td, true
}

// SetTickData 写入当前 epoch 的 tick 头记录
func (s *Storage) SetTickData(td types.TickData) error {
	if td.Epoch == 0 {
		return fmt.Errorf("tickstore: refusing to store tick data with epoch 0 (empty marker)")
	}
	if !s.TickInCurrentEpoch(td.Tick) {
		return fmt.Errorf("tickstore: tick %d outside current epoch [%d, %d)", td.Tick, s.tickBegin, s.tickEnd)
	}
	index := s.TickToIndexCurrentEpoch(td.Tick)
	s.tickDataMu.Lock()
	s.tickData[index] = td
	s.tickDataMu.Unlock()
	return nil
}

// ---- ticks (votes) ----

// PutTickVote 写入当前 epoch 的一条投票记录（按 computor 加锁）
func (s *Storage) PutTickVote(v types.TickVote) error {
	if v.Epoch == 0 {
		return fmt.Errorf("tickstore: refusing to store tick vote with epoch 0 (empty marker)")
	}
	if uint32(v.ComputorIndex) >= s.cfg.NumberOfComputors {
		return fmt.Errorf("tickstore: computor index %d out of range", v.ComputorIndex)
	}
	if !s.TickInCurrentEpoch(v.Tick) {
		return fmt.Errorf("tickstore: tick %d outside current epoch [%d, %d)", v.Tick, s.tickBegin, s.tickEnd)
	}
	index := uint64(s.TickToIndexCurrentEpoch(v.Tick))*uint64(s.cfg.NumberOfComputors) + uint64(v.ComputorIndex)
	s.ticksLocks[v.ComputorIndex].Lock()
	s.ticks[index] = v
	s.ticksLocks[v.ComputorIndex].Unlock()
	return nil
}

// GetTickVote 读取一条投票记录；空槽或范围外返回 false
func (s *Storage) GetTickVote(tick uint32, computorIndex uint16) (types.TickVote, bool) {
	if uint32(computorIndex) >= s.cfg.NumberOfComputors {
		return types.TickVote{}, false
	}
	tickIndex, ok := s.tickToIndex(tick)
	if !ok {
		return types.TickVote{}, false
	}
	index := uint64(tickIndex)*uint64(s.cfg.NumberOfComputors) + uint64(computorIndex)
	v := s.ticks[index]
	if v.IsEmpty() {
		return types.TickVote{}, false
	}
	return v, true
}

// VotesByTickIndex 返回某个 tick 的整行投票视图（快照与一致性检查用）
func (s *Storage) VotesByTickIndex(tickIndex uint32) []types.TickVote {
	nc := uint64(s.cfg.NumberOfComputors)
	start := uint64(tickIndex) * nc
	return s.ticks[start : start+nc]
}

// ---- transactions ----

// AddTransaction 把交易追加进 arena 并登记到 (tick, slot) 槽表项和摘要索引。
// 返回 arena 偏移。
func (s *Storage) AddTransaction(tx *types.Transaction, slot uint32) (uint64, error) {
	if !tx.CheckValidity() {
		return 0, fmt.Errorf("tickstore: invalid transaction")
	}
	if !s.TickInCurrentEpoch(tx.Tick) {
		return 0, fmt.Errorf("tickstore: tick %d outside current epoch [%d, %d)", tx.Tick, s.tickBegin, s.tickEnd)
	}
	if slot >= s.cfg.TransactionsPerTick {
		return 0, fmt.Errorf("tickstore: slot %d out of range", slot)
	}
	txBytes := tx.MarshalBinary()
	if uint64(len(txBytes)) > uint64(s.cfg.MaxTransactionSize) {
		return 0, fmt.Errorf("tickstore: transaction size %d exceeds limit %d", len(txBytes), s.cfg.MaxTransactionSize)
	}
	digest := utils.K12Hash(txBytes)

	tickIndex := s.TickToIndexCurrentEpoch(tx.Tick)
	s.arena.Lock()
	offset, ok := s.arena.AppendLocked(tickIndex, slot, txBytes)
	s.arena.Unlock()
	if !ok {
		return 0, fmt.Errorf("tickstore: no room for transaction (tick %d slot %d)", tx.Tick, slot)
	}

	s.digestsMu.Lock()
	s.digests.Insert(digest, offset)
	s.digestsMu.Unlock()
	return offset, nil
}

// TransactionBySlot 按 (tick, slot) 取交易；空槽或范围外返回 nil
func (s *Storage) TransactionBySlot(tick uint32, slot uint32) *types.Transaction {
	if slot >= s.cfg.TransactionsPerTick {
		return nil
	}
	tickIndex, ok := s.tickToIndex(tick)
	if !ok {
		return nil
	}
	offset := s.arena.OffsetsByTickIndex(tickIndex)[slot]
	if offset == 0 {
		return nil
	}
	tx, err := s.arena.TransactionAt(offset)
	if err != nil {
		logs.Error("[TickStore] broken slot entry: tick=%d slot=%d offset=%d: %v", tick, slot, offset, err)
		return nil
	}
	return tx
}

// FindTransaction 按摘要取当前 epoch 的交易
func (s *Storage) FindTransaction(digest types.Digest) (*types.Transaction, bool) {
	if digest.IsZero() {
		return nil, false
	}
	if cached, ok := s.txReadCache.Get(digest); ok {
		tx, err := s.arena.TransactionAt(cached.(uint64))
		if err == nil {
			return tx, true
		}
		s.txReadCache.Remove(digest)
	}

	s.digestsMu.Lock()
	offset, ok := s.digests.Find(digest)
	s.digestsMu.Unlock()
	if !ok {
		return nil, false
	}
	tx, err := s.arena.TransactionAt(offset)
	if err != nil {
		logs.Error("[TickStore] broken digest index entry: offset=%d: %v", offset, err)
		return nil, false
	}
	s.txReadCache.Add(digest, offset)
	return tx, true
}

// ---- consistency ----

// CheckStateConsistency 遍历全部存储验证不变量（调试用，开销大）
func (s *Storage) CheckStateConsistency() error {
	if s.tickBegin > s.tickEnd {
		return fmt.Errorf("tickstore: tickBegin %d > tickEnd %d", s.tickBegin, s.tickEnd)
	}
	if s.tickEnd-s.tickBegin > s.cfg.TickDataLength() {
		return fmt.Errorf("tickstore: current range too wide: [%d, %d)", s.tickBegin, s.tickEnd)
	}
	if s.oldTickBegin > s.oldTickEnd || s.oldTickEnd-s.oldTickBegin > s.cfg.TicksToKeep {
		return fmt.Errorf("tickstore: bad previous range [%d, %d)", s.oldTickBegin, s.oldTickEnd)
	}
	if s.oldTickEnd > s.tickBegin {
		return fmt.Errorf("tickstore: previous range [%d, %d) overlaps current [%d, %d)", s.oldTickBegin, s.oldTickEnd, s.tickBegin, s.tickEnd)
	}

	check := func(tick uint32, index uint32) error {
		td := &s.tickData[index]
		if !td.IsEmpty() && td.Tick != tick {
			return fmt.Errorf("tickstore: tick data at index %d holds tick %d, want %d", index, td.Tick, tick)
		}
		for c, v := range s.VotesByTickIndex(index) {
			if !v.IsEmpty() && (v.Tick != tick || uint32(v.ComputorIndex) != uint32(c)) {
				return fmt.Errorf("tickstore: vote at tick %d computor %d holds (tick %d, computor %d)", tick, c, v.Tick, v.ComputorIndex)
			}
		}
		return nil
	}

	for tick := s.oldTickBegin; tick < s.oldTickEnd; tick++ {
		if err := check(tick, s.TickToIndexPreviousEpoch(tick)); err != nil {
			return err
		}
	}
	for tick := s.tickBegin; tick < s.tickEnd; tick++ {
		if err := check(tick, s.TickToIndexCurrentEpoch(tick)); err != nil {
			return err
		}
	}

	return s.arena.CheckConsistency()
}
