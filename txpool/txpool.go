package txpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"qnode/config"
	"qnode/db"
	"qnode/logs"
	"qnode/stats"
	"qnode/tickstore"
	"qnode/types"
	"qnode/utils"
)

// TxsPool 交易池：按 tick 暂存待提交的交易。
// 复用 arena + 槽表存交易本体，另外保存每 (tick, slot) 的摘要和每 tick 的
// 已存笔数。换 epoch 时与存储层一样保留上一 epoch 的尾部 tick。
type TxsPool struct {
	cfg     config.StorageConfig
	poolCfg config.PoolConfig

	// Tick number range of current epoch storage
	tickBegin uint32
	tickEnd   uint32

	// Tick number range of previous epoch storage
	oldTickBegin uint32
	oldTickEnd   uint32

	// digest per (tick, slot), both epoch regions
	digests []types.Digest

	// number of saved transactions per tick index, both epoch regions
	numSaved []uint32

	// Lock for securing digests
	digestsMu sync.Mutex
	// Lock for securing numSaved; always acquired before the pool locks
	numSavedMu sync.Mutex

	arena *tickstore.TxArena

	// DB 持久化（可选）：固定 worker + 有界队列，避免每 tx 起 goroutine
	dbm       *db.Manager
	saveQueue chan saveTask
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// 队列吞吐计数（原子）
	saveEnqueued uint64
	saveDropped  uint64
}

type saveTask struct {
	key  string
	data []byte
}

// NewTxsPool 创建交易池。dbm 为 nil 或 PersistPending 关闭时不做持久化。
func NewTxsPool(cfg config.StorageConfig, poolCfg config.PoolConfig, dbm *db.Manager) (*TxsPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !poolCfg.PersistPending {
		dbm = nil
	}
	queueSize := poolCfg.SaveQueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}
	p := &TxsPool{
		cfg:       cfg,
		poolCfg:   poolCfg,
		digests:   make([]types.Digest, cfg.TxOffsetsLength()),
		numSaved:  make([]uint32, cfg.TickDataLength()),
		arena:     tickstore.NewTxArena(cfg),
		dbm:       dbm,
		saveQueue: make(chan saveTask, queueSize),
		stopChan:  make(chan struct{}),
	}
	return p, nil
}

// Start 启动持久化 worker
func (p *TxsPool) Start() error {
	if p.dbm == nil {
		return nil
	}
	workers := p.poolCfg.SaveWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runSaveWorker(i)
	}
	logs.Info("[TxsPool] started with %d save workers", workers)
	return nil
}

// Stop 停止持久化 worker
func (p *TxsPool) Stop() error {
	close(p.stopChan)
	p.wg.Wait()
	if p.dbm != nil {
		logs.Info("[TxsPool] stopped")
	}
	return nil
}

// Arena 暴露底层交易缓冲（测试用）
func (p *TxsPool) Arena() *tickstore.TxArena { return p.arena }

func (p *TxsPool) TickRange() (uint32, uint32)    { return p.tickBegin, p.tickEnd }
func (p *TxsPool) OldTickRange() (uint32, uint32) { return p.oldTickBegin, p.oldTickEnd }

// AcquireLock 获取摘要锁和 arena 锁；Get 返回的指针在持锁期间有效
func (p *TxsPool) AcquireLock() {
	p.digestsMu.Lock()
	p.arena.Lock()
}

// ReleaseLock 逆序释放
func (p *TxsPool) ReleaseLock() {
	p.arena.Unlock()
	p.digestsMu.Unlock()
}

// Check whether tick is stored in the current epoch storage.
func (p *TxsPool) TickInCurrentEpoch(tick uint32) bool {
	return tick >= p.tickBegin && tick < p.tickEnd
}

// Check whether tick is stored in the previous epoch storage.
func (p *TxsPool) TickInPreviousEpoch(tick uint32) bool {
	return p.oldTickBegin <= tick && tick < p.oldTickEnd
}

func (p *TxsPool) tickToIndexCurrentEpoch(tick uint32) uint32 {
	return tick - p.tickBegin
}

func (p *TxsPool) tickToIndexPreviousEpoch(tick uint32) uint32 {
	return tick - p.oldTickBegin + p.cfg.MaxTicksPerEpoch
}

func (p *TxsPool) tickToIndex(tick uint32) (uint32, bool) {
	if p.TickInCurrentEpoch(tick) {
		return p.tickToIndexCurrentEpoch(tick), true
	}
	if p.TickInPreviousEpoch(tick) {
		return p.tickToIndexPreviousEpoch(tick), true
	}
	return 0, false
}

func (p *TxsPool) digestRow(tickIndex uint32) []types.Digest {
	n := uint64(p.cfg.TransactionsPerTick)
	start := uint64(tickIndex) * n
	return p.digests[start : start+n]
}

// Update 校验交易并加入交易池。交易无效、tick 不在当前 epoch、该 tick 已满
// 或 arena 空间不足时静默拒绝并返回 false。
func (p *TxsPool) Update(tx *types.Transaction) bool {
	if tx == nil || !tx.CheckValidity() || !p.TickInCurrentEpoch(tx.Tick) {
		return false
	}
	tickIndex := p.tickToIndexCurrentEpoch(tx.Tick)
	txBytes := tx.MarshalBinary()
	size := uint64(len(txBytes))
	if size > uint64(p.cfg.MaxTransactionSize) {
		return false
	}
	digest := utils.K12Hash(txBytes)

	accepted := false
	p.numSavedMu.Lock()
	p.AcquireLock()

	count := p.numSaved[tickIndex]
	if count < p.cfg.TransactionsPerTick &&
		p.arena.NextOffset()+size <= p.arena.StorageSpaceCurrentEpoch() {
		if _, ok := p.arena.AppendLocked(tickIndex, count, txBytes); ok {
			p.digestRow(tickIndex)[count] = digest
			p.numSaved[tickIndex] = count + 1
			accepted = true
		}
	}

	p.ReleaseLock()
	p.numSavedMu.Unlock()

	if accepted && p.dbm != nil {
		p.enqueueSave(saveTask{key: db.KeyPendingTx(digest.Hex()), data: txBytes})
	}
	return accepted
}

// Get 取指定 (tick, index) 的交易；没有则返回 nil。
// 返回值引用 arena 内部字节，调用方需要持有 AcquireLock 的读取约定。
func (p *TxsPool) Get(tick uint32, index uint32) *types.Transaction {
	tickIndex, ok := p.tickToIndex(tick)
	if !ok {
		return nil
	}

	p.numSavedMu.Lock()
	hasTx := index < p.numSaved[tickIndex]
	p.numSavedMu.Unlock()

	if !hasTx {
		return nil
	}
	offset := p.arena.OffsetsByTickIndex(tickIndex)[index]
	tx, err := p.arena.TransactionAt(offset)
	if err != nil {
		logs.Error("[TxsPool] broken slot entry: tick=%d index=%d offset=%d: %v", tick, index, offset, err)
		return nil
	}
	return tx
}

// GetDigest 取指定 (tick, index) 的交易摘要；没有则返回 false
func (p *TxsPool) GetDigest(tick uint32, index uint32) (types.Digest, bool) {
	tickIndex, ok := p.tickToIndex(tick)
	if !ok {
		return types.Digest{}, false
	}

	p.numSavedMu.Lock()
	hasTx := index < p.numSaved[tickIndex]
	p.numSavedMu.Unlock()

	if !hasTx {
		return types.Digest{}, false
	}
	return p.digestRow(tickIndex)[index], true
}

// GetNumberOfTickTxs 返回某 tick 已存的交易笔数
func (p *TxsPool) GetNumberOfTickTxs(tick uint32) uint32 {
	tickIndex, ok := p.tickToIndex(tick)
	if !ok {
		return 0
	}
	p.numSavedMu.Lock()
	n := p.numSaved[tickIndex]
	p.numSavedMu.Unlock()
	return n
}

// GetNumberOfPendingTxs 返回时间顺序上晚于 tick 的全部已存交易笔数
func (p *TxsPool) GetNumberOfPendingTxs(tick uint32) uint32 {
	var res uint32
	startTick := p.tickEnd
	oldStartTick := p.oldTickEnd

	if tick < p.oldTickBegin {
		startTick = p.tickBegin
		oldStartTick = p.oldTickBegin
	} else if p.TickInPreviousEpoch(tick) {
		startTick = p.tickBegin
		oldStartTick = tick + 1
	} else if p.TickInCurrentEpoch(tick) {
		startTick = tick + 1
	}

	p.numSavedMu.Lock()
	for t := startTick; t < p.tickEnd; t++ {
		res += p.numSaved[p.tickToIndexCurrentEpoch(t)]
	}
	for t := oldStartTick; t < p.oldTickEnd; t++ {
		res += p.numSaved[p.tickToIndexPreviousEpoch(t)]
	}
	p.numSavedMu.Unlock()

	return res
}

// Begin new epoch. If not called the first time (seamless transition), assume
// that the ticks to keep are ticks in [newInitialTick-TicksToKeep, newInitialTick-1].
func (p *TxsPool) BeginEpoch(newInitialTick uint32) {
	maxTicks := p.cfg.MaxTicksPerEpoch
	tpt := uint64(p.cfg.TransactionsPerTick)

	seamless := p.tickBegin != 0 && p.TickInCurrentEpoch(newInitialTick) && p.tickBegin < newInitialTick
	if seamless {
		// seamless epoch transition: keep some ticks of prior epoch
		p.oldTickEnd = newInitialTick
		p.oldTickBegin = newInitialTick - p.cfg.TicksToKeep
		if p.oldTickBegin < p.tickBegin {
			p.oldTickBegin = p.tickBegin
		}

		tickIndex := uint64(p.tickToIndexCurrentEpoch(p.oldTickBegin))
		tickCount := uint64(p.oldTickEnd - p.oldTickBegin)

		copy(p.digests[uint64(maxTicks)*tpt:(uint64(maxTicks)+tickCount)*tpt],
			p.digests[tickIndex*tpt:(tickIndex+tickCount)*tpt])
		copy(p.numSaved[uint64(maxTicks):uint64(maxTicks)+tickCount],
			p.numSaved[tickIndex:tickIndex+tickCount])

		clear(p.digests[:uint64(maxTicks)*tpt])
		clear(p.numSaved[:maxTicks])
	} else {
		// node startup with no data of prior epoch
		clear(p.digests)
		clear(p.numSaved)
		p.oldTickBegin = 0
		p.oldTickEnd = 0
	}

	p.tickBegin = newInitialTick
	p.tickEnd = newInitialTick + maxTicks

	p.arena.BeginEpoch(newInitialTick)

	if seamless {
		p.compactPreviousEpoch()
	}

	if p.dbm != nil {
		p.prunePersisted()
	}
}

// compactPreviousEpoch realigns each previous-epoch tick after the arena
// rollover dropped leading transactions: the surviving offsets and digests
// are shifted down so the valid entries are contiguous from index 0.
func (p *TxsPool) compactPreviousEpoch() {
	for tick := p.oldTickBegin; tick < p.oldTickEnd; tick++ {
		tickIndex := p.tickToIndexPreviousEpoch(tick)
		row := p.arena.OffsetsByTickIndex(tickIndex)
		drow := p.digestRow(tickIndex)
		count := p.numSaved[tickIndex]

		shift := uint32(0)
		for shift < count && row[shift] == 0 {
			shift++
		}
		if shift == 0 {
			continue
		}
		copy(row[:count-shift], row[shift:count])
		copy(drow[:count-shift], drow[shift:count])
		for i := count - shift; i < count; i++ {
			row[i] = 0
			drow[i] = types.Digest{}
		}
		p.numSaved[tickIndex] = count - shift
	}
}

// GetChannelStats 返回交易池的队列状态
func (p *TxsPool) GetChannelStats() []stats.ChannelStat {
	if p.dbm == nil {
		return nil
	}
	return []stats.ChannelStat{
		{
			Name:     "saveQueue",
			Owner:    "TxsPool",
			Len:      len(p.saveQueue),
			Cap:      cap(p.saveQueue),
			Enqueued: atomic.LoadUint64(&p.saveEnqueued),
			Dropped:  atomic.LoadUint64(&p.saveDropped),
		},
	}
}

// CheckStateConsistency 遍历交易池验证不变量（调试用，开销大）
func (p *TxsPool) CheckStateConsistency() error {
	if ab, ae := p.arena.TickRange(); ab != p.tickBegin || ae != p.tickEnd {
		return fmt.Errorf("txpool: range [%d, %d) differs from arena [%d, %d)", p.tickBegin, p.tickEnd, ab, ae)
	}
	checkRow := func(tick uint32, tickIndex uint32) error {
		count := p.numSaved[tickIndex]
		if count > p.cfg.TransactionsPerTick {
			return fmt.Errorf("txpool: tick %d holds %d transactions, limit %d", tick, count, p.cfg.TransactionsPerTick)
		}
		row := p.arena.OffsetsByTickIndex(tickIndex)
		drow := p.digestRow(tickIndex)
		for i := uint32(0); i < count; i++ {
			if row[i] == 0 {
				return fmt.Errorf("txpool: tick %d slot %d empty but counted", tick, i)
			}
			if drow[i].IsZero() {
				return fmt.Errorf("txpool: tick %d slot %d has no digest", tick, i)
			}
			tx, err := p.arena.TransactionAt(row[i])
			if err != nil {
				return fmt.Errorf("txpool: tick %d slot %d: %w", tick, i, err)
			}
			if !tx.CheckValidity() || tx.Tick != tick {
				return fmt.Errorf("txpool: tick %d slot %d holds invalid transaction (tick %d)", tick, i, tx.Tick)
			}
		}
		return nil
	}
	for tick := p.oldTickBegin; tick < p.oldTickEnd; tick++ {
		if err := checkRow(tick, p.tickToIndexPreviousEpoch(tick)); err != nil {
			return err
		}
	}
	for tick := p.tickBegin; tick < p.tickEnd; tick++ {
		if err := checkRow(tick, p.tickToIndexCurrentEpoch(tick)); err != nil {
			return err
		}
	}
	return p.arena.CheckConsistency()
}
