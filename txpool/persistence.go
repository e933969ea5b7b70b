package txpool

import (
	"sync/atomic"

	"qnode/db"
	"qnode/logs"
	"qnode/types"
)

// 持久化是对交易池的旁路镜像：接受的交易按摘要落库，重启时经 Update 重新
// 准入。tick 已经过期的记录在加载和换 epoch 时清掉。

func (p *TxsPool) enqueueSave(task saveTask) {
	select {
	case p.saveQueue <- task:
		atomic.AddUint64(&p.saveEnqueued, 1)
	case <-p.stopChan:
	default:
		atomic.AddUint64(&p.saveDropped, 1)
		logs.Warn("[TxsPool] save queue full, dropping persistence of %s", task.key)
	}
}

func (p *TxsPool) runSaveWorker(workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			// 停止前尽量排空队列
			for {
				select {
				case task := <-p.saveQueue:
					p.persist(task, workerID)
				default:
					return
				}
			}
		case task := <-p.saveQueue:
			p.persist(task, workerID)
		}
	}
}

func (p *TxsPool) persist(task saveTask, workerID int) {
	if err := p.dbm.Set(task.key, task.data); err != nil {
		logs.Debug("[TxsPool] save worker=%d failed for %s: %v", workerID, task.key, err)
	}
}

// LoadFromDB 启动时把落库的 pending 交易重新准入。
// tick 已经出了当前 epoch 的记录直接删除。
func (p *TxsPool) LoadFromDB() {
	if p.dbm == nil {
		return
	}
	var staleKeys []string
	loaded := 0
	err := p.dbm.IteratePrefix(db.PendingTxPrefix, func(key string, value []byte) error {
		tx, err := types.ParseTransaction(value)
		if err != nil {
			staleKeys = append(staleKeys, key)
			return nil
		}
		if !p.Update(tx) {
			staleKeys = append(staleKeys, key)
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		logs.Verbose("[TxsPool] failed to load pending txs from DB: %v", err)
		return
	}
	for _, key := range staleKeys {
		_ = p.dbm.Delete(key)
	}
	if len(staleKeys) > 0 {
		logs.Warn("[TxsPool] dropped %d stale pending txs", len(staleKeys))
	}
	logs.Verbose("[TxsPool] loaded %d pending txs from DB", loaded)
}

// prunePersisted 删除 tick 已经不在任何 epoch 区里的落库记录
func (p *TxsPool) prunePersisted() {
	var staleKeys []string
	err := p.dbm.IteratePrefix(db.PendingTxPrefix, func(key string, value []byte) error {
		tx, err := types.ParseTransaction(value)
		if err != nil || (!p.TickInCurrentEpoch(tx.Tick) && !p.TickInPreviousEpoch(tx.Tick)) {
			staleKeys = append(staleKeys, key)
		}
		return nil
	})
	if err != nil {
		logs.Verbose("[TxsPool] failed to prune pending txs: %v", err)
		return
	}
	for _, key := range staleKeys {
		_ = p.dbm.Delete(key)
	}
	if len(staleKeys) > 0 {
		logs.Verbose("[TxsPool] pruned %d expired pending txs", len(staleKeys))
	}
}
