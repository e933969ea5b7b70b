package tickstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"qnode/logs"
	"qnode/types"
	"qnode/utils"
)

// 五个快照文件的模板；??? 会被 3 位 epoch 数字替换
const (
	snapshotMetadataFileName               = "snapshotMetadata.???"
	snapshotTickDataFileName               = "snapshotTickdata.???"
	snapshotTicksFileName                  = "snapshotTicks.???"
	snapshotTickTransactionOffsetsFileName = "snapshotTickTransactionOffsets.???"
	snapshotTransactionsFileName           = "snapshotTickTransaction.???"
)

// snapshotMeta 是落盘的元数据记录（小端、紧凑布局）。
// 它最后写入，充当整个快照的提交标记。
type snapshotMeta struct {
	epoch                        uint32
	tickBegin                    uint32
	tickEnd                      uint32
	outTotalTransactionSize      int64
	outNextTickTransactionOffset uint64
}

const snapshotMetaSize = 28

func (m *snapshotMeta) marshal() []byte {
	buf := make([]byte, snapshotMetaSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.epoch)
	binary.LittleEndian.PutUint32(buf[4:8], m.tickBegin)
	binary.LittleEndian.PutUint32(buf[8:12], m.tickEnd)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.outTotalTransactionSize))
	binary.LittleEndian.PutUint64(buf[20:28], m.outNextTickTransactionOffset)
	return buf
}

func (m *snapshotMeta) unmarshal(buf []byte) {
	m.epoch = binary.LittleEndian.Uint32(buf[0:4])
	m.tickBegin = binary.LittleEndian.Uint32(buf[4:8])
	m.tickEnd = binary.LittleEndian.Uint32(buf[8:12])
	m.outTotalTransactionSize = int64(binary.LittleEndian.Uint64(buf[12:20]))
	m.outNextTickTransactionOffset = binary.LittleEndian.Uint64(buf[20:28])
}

// epochFileName 把模板末尾的 ??? 换成 3 位 epoch
func epochFileName(template string, epoch uint32) string {
	return template[:len(template)-3] + fmt.Sprintf("%03d", epoch%1000)
}

func saveFile(dir, name string, data []byte) error {
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func loadFile(dir, name string, wantSize int64) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != wantSize {
		return nil, fmt.Errorf("file %s has %d bytes, want %d", name, len(data), wantSize)
	}
	return data, nil
}

// GetPreloadTick 返回上次加载/保存的快照覆盖到的 tick
func (s *Storage) GetPreloadTick() uint32 {
	return s.meta.tickEnd
}

func (s *Storage) initMetaData(epoch uint32) {
	s.meta = snapshotMeta{
		epoch:     epoch,
		tickBegin: s.tickBegin,
		tickEnd:   s.tickBegin,
	}
	s.lastCheckTick = s.tickBegin
}

func (s *Storage) checkMetaData(epoch uint32) bool {
	if s.meta.tickBegin > s.meta.tickEnd {
		return false
	}
	if s.meta.tickBegin != s.tickBegin {
		return false
	}
	if s.meta.tickBegin+s.cfg.MaxTicksPerEpoch < s.meta.tickEnd {
		return false
	}
	if s.meta.epoch != epoch {
		return false
	}
	return true
}

// TrySaveToFile 把 [tickBegin, tick] 的全部存储写到 dir 下的快照文件集。
// 返回 0 表示成功，小的正整数标记失败的阶段。
//
// Save procedure:
// (1) tick data, (2) ticks, (3) slot table, (4) arena bytes, (5) metadata.
// Metadata is written last and is the commit marker.
func (s *Storage) TrySaveToFile(epoch uint32, tick uint32, dir string) int {
	if tick <= s.tickBegin {
		return 6
	}
	nTick := uint64(tick - s.tickBegin + 1) // inclusive [tickBegin, tick]
	nc := uint64(s.cfg.NumberOfComputors)
	tpt := uint64(s.cfg.TransactionsPerTick)

	logs.Info("[TickStore] saving tick data...")
	s.tickDataMu.Lock()
	buf := make([]byte, nTick*types.TickDataSize)
	for i := uint64(0); i < nTick; i++ {
		s.tickData[i].MarshalTo(buf[i*types.TickDataSize:])
	}
	err := saveFile(dir, epochFileName(snapshotTickDataFileName, epoch), buf)
	s.tickDataMu.Unlock()
	if err != nil {
		logs.Error("[TickStore] failed to save tick data: %v", err)
		return 5
	}

	logs.Info("[TickStore] saving quorum ticks...")
	for i := range s.ticksLocks {
		s.ticksLocks[i].Lock()
	}
	buf = make([]byte, nTick*nc*types.TickVoteSize)
	for i := uint64(0); i < nTick*nc; i++ {
		s.ticks[i].MarshalTo(buf[i*types.TickVoteSize:])
	}
	err = saveFile(dir, epochFileName(snapshotTicksFileName, epoch), buf)
	for i := range s.ticksLocks {
		s.ticksLocks[i].Unlock()
	}
	if err != nil {
		logs.Error("[TickStore] failed to save ticks: %v", err)
		return 4
	}

	s.arena.Lock()
	logs.Info("[TickStore] saving tick transaction offsets...")
	offsets := s.arena.rawOffsets()
	buf = make([]byte, nTick*tpt*8)
	for i := uint64(0); i < nTick*tpt; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], offsets[i])
	}
	if err := saveFile(dir, epochFileName(snapshotTickTransactionOffsetsFileName, epoch), buf); err != nil {
		s.arena.Unlock()
		logs.Error("[TickStore] failed to save transaction offsets: %v", err)
		return 3
	}

	logs.Info("[TickStore] saving transactions...")
	outTotalTransactionSize, outNextTickTransactionOffset, err := s.saveTransactions(tick, epoch, dir)
	s.arena.Unlock()
	if err != nil {
		logs.Error("[TickStore] failed to save transactions: %v", err)
		return 2
	}

	logs.Info("[TickStore] saving metadata...")
	s.meta = snapshotMeta{
		epoch:                        epoch,
		tickBegin:                    s.tickBegin,
		tickEnd:                      tick,
		outTotalTransactionSize:      outTotalTransactionSize,
		outNextTickTransactionOffset: outNextTickTransactionOffset,
	}
	if err := saveFile(dir, epochFileName(snapshotMetadataFileName, epoch), s.meta.marshal()); err != nil {
		logs.Error("[TickStore] failed to save metadata: %v", err)
		return 1
	}

	return 0
}

// saveTransactions re-derives the used arena length by scanning ticks from
// toTick downward: the maximum offset+totalSize over all stored transactions
// is the saved length and the persisted next offset. lastCheckTick remembers
// where the maximum was found so a later save does not rescan the full epoch.
// Caller must hold the arena lock.
func (s *Storage) saveTransactions(toTick uint32, epoch uint32, dir string) (int64, uint64, error) {
	if s.tickBegin > s.lastCheckTick {
		s.lastCheckTick = s.tickBegin
	}
	maxOffset := s.cfg.FirstTickTransactionOffset
	for tick := toTick; tick >= s.lastCheckTick; tick-- {
		row := s.arena.OffsetsByTickIndex(s.TickToIndexCurrentEpoch(tick))
		for idx := int(s.cfg.TransactionsPerTick) - 1; idx >= 0; idx-- {
			offset := row[idx]
			if offset == 0 {
				continue
			}
			tx, err := s.arena.TransactionAt(offset)
			if err != nil {
				return -1, 0, fmt.Errorf("broken slot entry at tick %d slot %d: %w", tick, idx, err)
			}
			if end := offset + tx.TotalSize(); end > maxOffset {
				maxOffset = end
				s.lastCheckTick = tick
			}
		}
		if tick == 0 {
			break
		}
	}

	if err := saveFile(dir, epochFileName(snapshotTransactionsFileName, epoch), s.arena.rawTxs()[:maxOffset]); err != nil {
		return -1, 0, err
	}
	return int64(maxOffset), maxOffset, nil
}

// TryLoadFromFile 启动时从 dir 加载快照。
// 返回 0 表示成功，小的正整数标记失败的阶段；任何失败都会重置元数据，
// 节点按冷启动继续。
//
// Load procedure:
// (1) metadata, (2) sanity check, (3) tick data -> ticks -> offsets -> transactions.
func (s *Storage) TryLoadFromFile(epoch uint32, dir string) int {
	logs.Info("[TickStore] loading snapshot metadata...")
	data, err := loadFile(dir, epochFileName(snapshotMetadataFileName, epoch), snapshotMetaSize)
	if err != nil {
		logs.Info("[TickStore] cannot load metadata, continuing without snapshot: %v", err)
		s.initMetaData(epoch)
		return 1
	}
	s.meta.unmarshal(data)
	if !s.checkMetaData(epoch) {
		logs.Warn("[TickStore] invalid snapshot metadata")
		s.initMetaData(epoch)
		return 2
	}
	nTick := uint64(s.meta.tickEnd - s.meta.tickBegin + 1)
	nc := uint64(s.cfg.NumberOfComputors)
	tpt := uint64(s.cfg.TransactionsPerTick)

	logs.Info("[TickStore] loading tick data...")
	data, err = loadFile(dir, epochFileName(snapshotTickDataFileName, epoch), int64(nTick*types.TickDataSize))
	if err != nil {
		logs.Error("[TickStore] failed to load tick data: %v", err)
		s.initMetaData(epoch)
		return 5
	}
	for i := uint64(0); i < nTick; i++ {
		s.tickData[i].UnmarshalFrom(data[i*types.TickDataSize:])
	}

	logs.Info("[TickStore] loading ticks...")
	data, err = loadFile(dir, epochFileName(snapshotTicksFileName, epoch), int64(nTick*nc*types.TickVoteSize))
	if err != nil {
		logs.Error("[TickStore] failed to load ticks: %v", err)
		s.initMetaData(epoch)
		return 4
	}
	for i := uint64(0); i < nTick*nc; i++ {
		s.ticks[i].UnmarshalFrom(data[i*types.TickVoteSize:])
	}

	logs.Info("[TickStore] loading transaction offsets...")
	data, err = loadFile(dir, epochFileName(snapshotTickTransactionOffsetsFileName, epoch), int64(nTick*tpt*8))
	if err != nil {
		logs.Error("[TickStore] failed to load transaction offsets: %v", err)
		s.initMetaData(epoch)
		return 3
	}
	offsets := s.arena.rawOffsets()
	for i := uint64(0); i < nTick*tpt; i++ {
		offsets[i] = binary.LittleEndian.Uint64(data[i*8:])
	}

	logs.Info("[TickStore] loading transactions...")
	data, err = loadFile(dir, epochFileName(snapshotTransactionsFileName, epoch), s.meta.outTotalTransactionSize)
	if err != nil {
		logs.Error("[TickStore] failed to load transactions: %v", err)
		s.initMetaData(epoch)
		return 2
	}
	copy(s.arena.rawTxs(), data)
	s.arena.setNext(s.meta.outNextTickTransactionOffset)

	s.rebuildDigestIndex()
	logs.Info("[TickStore] snapshot loaded: ticks [%d, %d]", s.meta.tickBegin, s.meta.tickEnd)
	return 0
}

// rebuildDigestIndex 按快照里的槽表重建当前 epoch 的摘要索引
func (s *Storage) rebuildDigestIndex() {
	s.digestsMu.Lock()
	defer s.digestsMu.Unlock()
	s.digests.Reset()
	for tick := s.meta.tickBegin; tick <= s.meta.tickEnd && s.TickInCurrentEpoch(tick); tick++ {
		row := s.arena.OffsetsByTickIndex(s.TickToIndexCurrentEpoch(tick))
		for _, offset := range row {
			if offset == 0 {
				continue
			}
			tx, err := s.arena.TransactionAt(offset)
			if err != nil {
				logs.Warn("[TickStore] skipping broken transaction at offset %d: %v", offset, err)
				continue
			}
			raw := s.arena.Ptr(offset)[:tx.TotalSize()]
			s.digests.Insert(utils.K12Hash(raw), offset)
		}
	}
}

// SaveInvalidateData 写一份全零元数据，使当前快照在下次加载时失效
func (s *Storage) SaveInvalidateData(epoch uint32, dir string) error {
	var invalid snapshotMeta
	return saveFile(dir, epochFileName(snapshotMetadataFileName, epoch), invalid.marshal())
}
