// config/config.go
package config

import (
	"fmt"
	"time"
)

// Config 主配置结构
type Config struct {
	Node    NodeConfig
	Storage StorageConfig
	Pool    PoolConfig
	VM      VMConfig
}

// NodeConfig 节点运行时配置
type NodeConfig struct {
	Epoch       uint32 // current epoch number, stamped into snapshot metadata
	InitialTick uint32 // first tick of the epoch at startup

	SnapshotDir string // directory holding the snapshot file set
	DataDir     string // badger directory for pending-tx persistence

	LogLevel int // logs.LevelTrace .. logs.LevelError
}

// StorageConfig pins the storage ABI of a deployment. Every field takes part
// in the on-disk layout of the snapshot file set; changing any of them
// invalidates existing snapshots.
type StorageConfig struct {
	MaxTicksPerEpoch           uint32
	TicksToKeep                uint32 // ticks kept from the prior epoch
	NumberOfComputors          uint32
	TransactionsPerTick        uint32
	MaxTransactionSize         uint32
	TransactionSparseness      uint32 // arena is sized at 1/sparseness of the worst case
	FirstTickTransactionOffset uint64
}

// PoolConfig 交易池配置
type PoolConfig struct {
	PersistPending bool // mirror accepted txs into badger and reload at startup

	// DB 持久化队列（固定 worker + 有界队列，避免每 tx 起 goroutine）
	SaveQueueSize int
	SaveWorkers   int
}

// VMConfig 合约执行配置
type VMConfig struct {
	ContractCount          uint32
	NumExecutionProcessors int // locals stack slots, must be >= 2
	StackCapacity          uint32

	// per-contract state image sizes, len == ContractCount
	ContractStateSizes []uint32
}

func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Epoch:       0,
			InitialTick: 0,
			SnapshotDir: "snapshots",
			DataDir:     "data",
			LogLevel:    3,
		},
		Storage: DefaultStorageConfig(),
		Pool: PoolConfig{
			PersistPending: false,
			SaveQueueSize:  10000,
			SaveWorkers:    4,
		},
		VM: VMConfig{
			ContractCount:          8,
			NumExecutionProcessors: 4,
			StackCapacity:          32 << 20,
			ContractStateSizes:     nil, // filled by Validate when nil
		},
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxTicksPerEpoch:           20000,
		TicksToKeep:                100,
		NumberOfComputors:          676,
		TransactionsPerTick:        1024,
		MaxTransactionSize:         1208,
		TransactionSparseness:      4,
		FirstTickTransactionOffset: 8,
	}
}

// ---- derived sizes of the storage ABI ----

// TickDataLength is the number of tick slots across both epoch regions.
func (s StorageConfig) TickDataLength() uint32 {
	return s.MaxTicksPerEpoch + s.TicksToKeep
}

func (s StorageConfig) TicksLengthCurrentEpoch() uint64 {
	return uint64(s.MaxTicksPerEpoch) * uint64(s.NumberOfComputors)
}

func (s StorageConfig) TicksLength() uint64 {
	return uint64(s.TickDataLength()) * uint64(s.NumberOfComputors)
}

// TxsSizeCurrentEpoch is the byte size of the current-epoch arena region,
// including the unused leading FirstTickTransactionOffset bytes.
func (s StorageConfig) TxsSizeCurrentEpoch() uint64 {
	return s.FirstTickTransactionOffset +
		uint64(s.MaxTicksPerEpoch)*uint64(s.TransactionsPerTick)*uint64(s.MaxTransactionSize)/uint64(s.TransactionSparseness)
}

// TxsSizePreviousEpoch is the byte size of the previous-epoch arena region.
func (s StorageConfig) TxsSizePreviousEpoch() uint64 {
	return uint64(s.TicksToKeep) * uint64(s.TransactionsPerTick) * uint64(s.MaxTransactionSize) / uint64(s.TransactionSparseness)
}

func (s StorageConfig) TxsSize() uint64 {
	return s.TxsSizeCurrentEpoch() + s.TxsSizePreviousEpoch()
}

func (s StorageConfig) TxOffsetsLengthCurrentEpoch() uint64 {
	return uint64(s.MaxTicksPerEpoch) * uint64(s.TransactionsPerTick)
}

func (s StorageConfig) TxOffsetsLength() uint64 {
	return uint64(s.TickDataLength()) * uint64(s.TransactionsPerTick)
}

// MaxTxsCurrentEpoch is the capacity of the digest index.
func (s StorageConfig) MaxTxsCurrentEpoch() uint64 {
	return uint64(s.MaxTicksPerEpoch) * uint64(s.TransactionsPerTick)
}

func (s StorageConfig) Validate() error {
	if s.MaxTicksPerEpoch == 0 {
		return fmt.Errorf("config: MaxTicksPerEpoch must be > 0")
	}
	if s.TicksToKeep == 0 || s.TicksToKeep > s.MaxTicksPerEpoch {
		return fmt.Errorf("config: TicksToKeep must be in [1, MaxTicksPerEpoch]")
	}
	if s.NumberOfComputors == 0 {
		return fmt.Errorf("config: NumberOfComputors must be > 0")
	}
	if s.TransactionsPerTick == 0 {
		return fmt.Errorf("config: TransactionsPerTick must be > 0")
	}
	if s.MaxTransactionSize == 0 {
		return fmt.Errorf("config: MaxTransactionSize must be > 0")
	}
	if s.TransactionSparseness == 0 {
		return fmt.Errorf("config: TransactionSparseness must be > 0")
	}
	if s.FirstTickTransactionOffset == 0 {
		// offset 0 marks an empty slot-table entry
		return fmt.Errorf("config: FirstTickTransactionOffset must be > 0")
	}
	if s.TxsSizePreviousEpoch() == 0 {
		return fmt.Errorf("config: previous-epoch arena region has zero capacity")
	}
	return nil
}

func (v *VMConfig) Validate() error {
	if v.ContractCount == 0 {
		return fmt.Errorf("config: ContractCount must be > 0")
	}
	if v.NumExecutionProcessors < 2 {
		return fmt.Errorf("config: NumExecutionProcessors must be at least 2")
	}
	if v.StackCapacity == 0 {
		return fmt.Errorf("config: StackCapacity must be > 0")
	}
	if v.ContractStateSizes == nil {
		v.ContractStateSizes = make([]uint32, v.ContractCount)
		for i := range v.ContractStateSizes {
			v.ContractStateSizes[i] = 64 << 10
		}
	}
	if uint32(len(v.ContractStateSizes)) != v.ContractCount {
		return fmt.Errorf("config: ContractStateSizes length %d != ContractCount %d", len(v.ContractStateSizes), v.ContractCount)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.VM.Validate(); err != nil {
		return err
	}
	if c.Pool.SaveQueueSize <= 0 {
		c.Pool.SaveQueueSize = 10000
	}
	if c.Pool.SaveWorkers <= 0 {
		c.Pool.SaveWorkers = 1
	}
	return nil
}

// DefaultFlushInterval is a flush interval for the badger write path; no
// package in this module reads it.
const DefaultFlushInterval = 200 * time.Millisecond
