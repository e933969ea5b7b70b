package main

import (
	"fmt"
	"os"

	"qnode/config"
	"qnode/db"
	"qnode/logs"
	"qnode/tickstore"
	"qnode/txpool"
	"qnode/types"
	"qnode/vm"
)

// Node 把存储、交易池和执行核心装配成一个运行实例
type Node struct {
	cfg *config.Config

	Storage *tickstore.Storage
	Pool    *txpool.TxsPool
	VM      *vm.Core

	dbm *db.Manager

	currentTick uint32
}

func NewNode(cfg *config.Config, transfer vm.TransferFunc) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Node.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	var dbm *db.Manager
	if cfg.Pool.PersistPending {
		var err error
		dbm, err = db.NewManager(cfg.Node.DataDir)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
	}

	storage, err := tickstore.NewStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	pool, err := txpool.NewTxsPool(cfg.Storage, cfg.Pool, dbm)
	if err != nil {
		return nil, err
	}
	core, err := vm.NewCore(cfg.VM, transfer)
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:     cfg,
		Storage: storage,
		Pool:    pool,
		VM:      core,
		dbm:     dbm,
	}, nil
}

// Start 按固定顺序启动：开 epoch、尝试加载快照、恢复交易池、跑合约的
// epoch 开始过程。
func (n *Node) Start() error {
	initialTick := n.cfg.Node.InitialTick
	epoch := n.cfg.Node.Epoch

	n.Storage.BeginEpoch(initialTick)
	n.Pool.BeginEpoch(initialTick)
	n.currentTick = initialTick

	if code := n.Storage.TryLoadFromFile(epoch, n.cfg.Node.SnapshotDir); code != 0 {
		logs.Info("[Node] no usable snapshot (phase %d), starting from tick %d", code, initialTick)
	} else {
		n.currentTick = n.Storage.GetPreloadTick()
		logs.Info("[Node] resumed from snapshot at tick %d", n.currentTick)
	}

	if err := n.Pool.Start(); err != nil {
		return err
	}
	n.Pool.LoadFromDB()

	for contract := uint32(0); contract < n.VM.ContractCount(); contract++ {
		if err := n.VM.CallSystemProcedure(contract, vm.ProcBeginEpoch, -1); err != nil && err != vm.ErrNotRegistered {
			return err
		}
	}
	return nil
}

// BeginEpoch 无缝切换到新 epoch
func (n *Node) BeginEpoch(newInitialTick uint32) {
	n.Storage.BeginEpoch(newInitialTick)
	n.Pool.BeginEpoch(newInitialTick)
	n.currentTick = newInitialTick
}

// EndTick tick 边界：跑合约的 tick 结束过程并清状态变更位图
func (n *Node) EndTick() error {
	for contract := uint32(0); contract < n.VM.ContractCount(); contract++ {
		if err := n.VM.CallSystemProcedure(contract, vm.ProcEndTick, -1); err != nil && err != vm.ErrNotRegistered {
			return err
		}
	}
	changed := n.VM.StateChangeFlags().Changed()
	if !changed.IsEmpty() {
		logs.Debug("[Node] tick %d changed contracts: %s", n.currentTick, changed.String())
	}
	n.VM.ClearStateChangeFlags()
	n.currentTick++
	return nil
}

// SaveSnapshot 把当前存储保存为快照
func (n *Node) SaveSnapshot(tick uint32) error {
	if code := n.Storage.TrySaveToFile(n.cfg.Node.Epoch, tick, n.cfg.Node.SnapshotDir); code != 0 {
		// keep the old snapshot from being half-applied on the next start
		if err := n.Storage.SaveInvalidateData(n.cfg.Node.Epoch, n.cfg.Node.SnapshotDir); err != nil {
			logs.Error("[Node] failed to invalidate snapshot: %v", err)
		}
		return fmt.Errorf("node: snapshot save failed at phase %d", code)
	}
	return nil
}

// SubmitTransaction 对外准入入口
func (n *Node) SubmitTransaction(tx *types.Transaction) bool {
	return n.Pool.Update(tx)
}

func (n *Node) Shutdown() {
	if err := n.Pool.Stop(); err != nil {
		logs.Warn("[Node] pool stop: %v", err)
	}
	if n.dbm != nil {
		if err := n.dbm.Close(); err != nil {
			logs.Warn("[Node] db close: %v", err)
		}
	}
	n.Storage.Deinit()
}
