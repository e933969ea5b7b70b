package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"qnode/config"
	"qnode/stats"
	"qnode/types"
)

var (
	// ErrStackOverflow 执行槽的 bump 空间不足，调用被放弃，合约状态未动
	ErrStackOverflow = errors.New("vm: locals stack overflow")

	// ErrOutOfRange 合约或类型下标越界
	ErrOutOfRange = errors.New("vm: index out of range")

	// ErrNotRegistered 目标 (contract, type) 没有注册处理函数
	ErrNotRegistered = errors.New("vm: handler not registered")
)

// SystemProcedureID 系统过程编号
type SystemProcedureID int

const (
	ProcInitialize SystemProcedureID = iota
	ProcBeginEpoch
	ProcBeginTick
	ProcEndTick
	ProcEndEpoch
)

type SystemProcedure func(ctx *ProcedureContext, state []byte)
type UserProcedure func(ctx *ProcedureContext, state, input, output, locals []byte)
type UserFunction func(ctx *FunctionContext, state, input, output, locals []byte)

// TransferFunc 把 invocationReward 从调用方合约账户转到被调方合约账户。
// 返回负数表示余额不足；账本本身是外部协作者。
type TransferFunc func(from, to types.Identity, amount int64) int64

type procedureEntry struct {
	fn         UserProcedure
	inputSize  uint16
	outputSize uint16
	localsSize uint32
}

type functionEntry struct {
	fn         UserFunction
	inputSize  uint16
	outputSize uint16
	localsSize uint32
}

// 读取方请求槽位时跳过的低编号槽数，留给状态写入方
const stacksReservedForWriters = 1

// Core 合约执行核心：每个合约一把读写锁保护其状态镜像，
// 执行槽池承载在途调用的 locals。
type Core struct {
	cfg config.VMConfig

	stacks *StackPool

	stateLocks []sync.RWMutex
	states     [][]byte

	// per-contract accumulated execution time, atomic
	execTicks []int64

	flags *StateChangeFlags

	systemProcedures []map[SystemProcedureID]SystemProcedure
	userProcedures   []map[uint16]procedureEntry
	userFunctions    []map[uint16]functionEntry

	transfer TransferFunc

	Stats *stats.Stats
}

func NewCore(cfg config.VMConfig, transfer TransferFunc) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stacks, err := NewStackPool(cfg.NumExecutionProcessors, cfg.StackCapacity)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		transfer = func(from, to types.Identity, amount int64) int64 { return 0 }
	}
	n := cfg.ContractCount
	c := &Core{
		cfg:              cfg,
		stacks:           stacks,
		stateLocks:       make([]sync.RWMutex, n),
		states:           make([][]byte, n),
		execTicks:        make([]int64, n),
		flags:            NewStateChangeFlags(n),
		systemProcedures: make([]map[SystemProcedureID]SystemProcedure, n),
		userProcedures:   make([]map[uint16]procedureEntry, n),
		userFunctions:    make([]map[uint16]functionEntry, n),
		transfer:         transfer,
		Stats:            stats.NewStats(),
	}
	for i := uint32(0); i < n; i++ {
		c.states[i] = make([]byte, cfg.ContractStateSizes[i])
		c.systemProcedures[i] = make(map[SystemProcedureID]SystemProcedure)
		c.userProcedures[i] = make(map[uint16]procedureEntry)
		c.userFunctions[i] = make(map[uint16]functionEntry)
	}
	return c, nil
}

func (c *Core) ContractCount() uint32 { return c.cfg.ContractCount }

// StateChangeFlags 本 tick 的状态变更位图
func (c *Core) StateChangeFlags() *StateChangeFlags { return c.flags }

// ClearStateChangeFlags tick 边界调用
func (c *Core) ClearStateChangeFlags() { c.flags.Clear() }

// TotalExecutionTicks 某合约累计执行时间（纳秒）
func (c *Core) TotalExecutionTicks(contractIndex uint32) int64 {
	if contractIndex >= c.cfg.ContractCount {
		return 0
	}
	return atomic.LoadInt64(&c.execTicks[contractIndex])
}

// ---- registration ----

func (c *Core) RegisterSystemProcedure(contractIndex uint32, id SystemProcedureID, fn SystemProcedure) error {
	if contractIndex >= c.cfg.ContractCount {
		return ErrOutOfRange
	}
	c.systemProcedures[contractIndex][id] = fn
	return nil
}

func (c *Core) RegisterUserProcedure(contractIndex uint32, inputType uint16, fn UserProcedure, inputSize, outputSize uint16, localsSize uint32) error {
	if contractIndex >= c.cfg.ContractCount {
		return ErrOutOfRange
	}
	c.userProcedures[contractIndex][inputType] = procedureEntry{fn: fn, inputSize: inputSize, outputSize: outputSize, localsSize: localsSize}
	return nil
}

func (c *Core) RegisterUserFunction(contractIndex uint32, inputType uint16, fn UserFunction, inputSize, outputSize uint16, localsSize uint32) error {
	if contractIndex >= c.cfg.ContractCount {
		return ErrOutOfRange
	}
	c.userFunctions[contractIndex][inputType] = functionEntry{fn: fn, inputSize: inputSize, outputSize: outputSize, localsSize: localsSize}
	return nil
}

// ---- entry points ----

// CallSystemProcedure 执行系统过程。没有用户输入；stackIndex 是调用方已持有
// 的执行槽（没有则传 -1，过程内就不能再分配 locals）。
func (c *Core) CallSystemProcedure(contractIndex uint32, id SystemProcedureID, stackIndex int) error {
	if contractIndex >= c.cfg.ContractCount {
		return ErrOutOfRange
	}
	proc, ok := c.systemProcedures[contractIndex][id]
	if !ok {
		return ErrNotRegistered
	}

	ctx := &ProcedureContext{FunctionContext{
		core:              c,
		contractIndex:     contractIndex,
		currentContractID: types.ContractID(contractIndex),
		stackIndex:        stackIndex,
	}}

	c.stateLocks[contractIndex].Lock()

	start := time.Now()
	proc(ctx, c.states[contractIndex])
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&c.execTicks[contractIndex], elapsed)

	c.stateLocks[contractIndex].Unlock()
	c.flags.Set(contractIndex)

	c.Stats.RecordExecution(contractIndex, stats.SystemProcedure, uint16(id), elapsed)
	return nil
}

// CallUserProcedure 执行用户过程：独占一个执行槽，在槽上分配
// input/output/locals，持合约状态写锁执行。返回 output 的副本。
func (c *Core) CallUserProcedure(contractIndex uint32, originator types.Identity, invocationReward int64, inputType uint16, input []byte) ([]byte, error) {
	if contractIndex >= c.cfg.ContractCount {
		return nil, ErrOutOfRange
	}
	entry, ok := c.userProcedures[contractIndex][inputType]
	if !ok {
		return nil, ErrNotRegistered
	}

	// reserve stack for this call (may block)
	stackIndex := c.stacks.Acquire(0)
	st := c.stacks.Stack(stackIndex)

	inputBuffer, outputBuffer, localsBuffer, err := allocCallBuffers(st, entry.inputSize, entry.outputSize, entry.localsSize, input)
	if err != nil {
		c.stacks.Release(stackIndex)
		return nil, err
	}

	ctx := &ProcedureContext{FunctionContext{
		core:              c,
		contractIndex:     contractIndex,
		originator:        originator,
		invocator:         originator,
		currentContractID: types.ContractID(contractIndex),
		invocationReward:  invocationReward,
		stackIndex:        stackIndex,
	}}

	// acquire lock of contract state for writing (may block)
	c.stateLocks[contractIndex].Lock()

	start := time.Now()
	entry.fn(ctx, c.states[contractIndex], inputBuffer, outputBuffer, localsBuffer)
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&c.execTicks[contractIndex], elapsed)

	// release lock of contract state and set state to changed
	c.stateLocks[contractIndex].Unlock()
	c.flags.Set(contractIndex)

	output := append([]byte(nil), outputBuffer...)
	st.Free()
	c.stacks.Release(stackIndex)

	c.Stats.RecordExecution(contractIndex, stats.UserProcedure, inputType, elapsed)
	return output, nil
}

// FunctionCall 一次用户函数调用的结果。Output 直接引用执行槽里的缓冲，
// 读完必须 FreeBuffer 归还槽位。
type FunctionCall struct {
	Output []byte

	core       *Core
	stackIndex int
	freed      bool
}

// FreeBuffer 释放槽上的缓冲并归还槽位；可重复调用
func (fc *FunctionCall) FreeBuffer() {
	if fc.freed {
		return
	}
	fc.freed = true
	st := fc.core.stacks.Stack(fc.stackIndex)
	st.Free()
	fc.core.stacks.Release(fc.stackIndex)
	fc.Output = nil
}

// CallUserFunction 执行只读的用户函数：持合约状态读锁执行，低编号槽留给
// 写入方。调用方读取 Output 之后必须 FreeBuffer。
func (c *Core) CallUserFunction(contractIndex uint32, inputType uint16, input []byte) (*FunctionCall, error) {
	if contractIndex >= c.cfg.ContractCount {
		return nil, ErrOutOfRange
	}
	entry, ok := c.userFunctions[contractIndex][inputType]
	if !ok {
		return nil, ErrNotRegistered
	}

	// reserve stack for this call (may block); keep some stacks for writers
	stackIndex := c.stacks.Acquire(stacksReservedForWriters)
	st := c.stacks.Stack(stackIndex)

	inputBuffer, outputBuffer, localsBuffer, err := allocCallBuffers(st, entry.inputSize, entry.outputSize, entry.localsSize, input)
	if err != nil {
		c.stacks.Release(stackIndex)
		return nil, err
	}

	ctx := &FunctionContext{
		core:              c,
		contractIndex:     contractIndex,
		currentContractID: types.ContractID(contractIndex),
		stackIndex:        stackIndex,
	}

	// acquire lock of contract state for reading (may block)
	c.stateLocks[contractIndex].RLock()

	start := time.Now()
	entry.fn(ctx, c.states[contractIndex], inputBuffer, outputBuffer, localsBuffer)
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&c.execTicks[contractIndex], elapsed)

	c.stateLocks[contractIndex].RUnlock()

	c.Stats.RecordExecution(contractIndex, stats.UserFunction, inputType, elapsed)
	return &FunctionCall{
		Output:     outputBuffer,
		core:       c,
		stackIndex: stackIndex,
	}, nil
}

// allocCallBuffers 在执行槽上分配一次调用的 input/output/locals。
// input 不足声明长度时补零。
func allocCallBuffers(st *LocalsStack, fullInputSize, outputSize uint16, localsSize uint32, input []byte) (inputBuffer, outputBuffer, localsBuffer []byte, err error) {
	if len(input) > int(fullInputSize) {
		input = input[:fullInputSize]
	}
	total := uint32(fullInputSize) + uint32(outputSize) + localsSize
	block := st.Allocate(total)
	if block == nil {
		return nil, nil, nil, ErrStackOverflow
	}
	clear(block)
	inputBuffer = block[:fullInputSize]
	outputBuffer = block[fullInputSize : uint32(fullInputSize)+uint32(outputSize)]
	localsBuffer = block[uint32(fullInputSize)+uint32(outputSize):]
	copy(inputBuffer, input)
	return inputBuffer, outputBuffer, localsBuffer, nil
}

// ContractState 在读锁下访问某合约状态
func (c *Core) ContractState(contractIndex uint32, read func(state []byte)) error {
	if contractIndex >= c.cfg.ContractCount {
		return ErrOutOfRange
	}
	c.stateLocks[contractIndex].RLock()
	read(c.states[contractIndex])
	c.stateLocks[contractIndex].RUnlock()
	return nil
}

// CheckStateConsistency 验证执行核心的配置一致性
func (c *Core) CheckStateConsistency() error {
	for i := uint32(0); i < c.cfg.ContractCount; i++ {
		if uint32(len(c.states[i])) != c.cfg.ContractStateSizes[i] {
			return fmt.Errorf("vm: contract %d state has %d bytes, want %d", i, len(c.states[i]), c.cfg.ContractStateSizes[i])
		}
	}
	for i := 0; i < c.stacks.NumStacks(); i++ {
		// an idle pool must have no leftover allocations
		if c.stacks.locks[i].TryLock() {
			size := c.stacks.Stack(i).Size()
			c.stacks.locks[i].Unlock()
			if size != 0 {
				return fmt.Errorf("vm: idle stack %d has size %d", i, size)
			}
		}
	}
	return nil
}
