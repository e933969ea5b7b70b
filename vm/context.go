package vm

import (
	"sync/atomic"
	"time"

	"qnode/stats"
	"qnode/types"
)

// FunctionContext 一次在途调用的上下文。嵌套的跨合约调用在同一个执行槽上
// 构造新的上下文，缓冲从同一个 bump 分配器取。
type FunctionContext struct {
	core *Core

	contractIndex     uint32
	originator        types.Identity
	invocator         types.Identity // caller contract id for nested calls
	currentContractID types.Identity
	invocationReward  int64
	stackIndex        int
}

// ProcedureContext 过程调用上下文；在函数上下文之上允许写状态和转账。
type ProcedureContext struct {
	FunctionContext
}

func (ctx *FunctionContext) ContractIndex() uint32            { return ctx.contractIndex }
func (ctx *FunctionContext) Originator() types.Identity       { return ctx.originator }
func (ctx *FunctionContext) Invocator() types.Identity        { return ctx.invocator }
func (ctx *FunctionContext) CurrentContractID() types.Identity { return ctx.currentContractID }
func (ctx *FunctionContext) InvocationReward() int64          { return ctx.invocationReward }
func (ctx *FunctionContext) StackIndex() int                  { return ctx.stackIndex }

// AllocLocals 在当前执行槽上分配并清零一块 locals。
// 槽空间不足返回 nil，调用方应放弃本次调用。
func (ctx *FunctionContext) AllocLocals(size uint32) []byte {
	if ctx.stackIndex < 0 || ctx.stackIndex >= ctx.core.stacks.NumStacks() {
		return nil
	}
	block := ctx.core.stacks.Stack(ctx.stackIndex).Allocate(size)
	if block != nil {
		clear(block)
	}
	return block
}

// FreeLocals 弹出最近一次 AllocLocals
func (ctx *FunctionContext) FreeLocals() {
	if ctx.stackIndex < 0 || ctx.stackIndex >= ctx.core.stacks.NumStacks() {
		return
	}
	ctx.core.stacks.Stack(ctx.stackIndex).Free()
}

// CallOtherContractFunction 在运行中的合约里调用另一个合约的只读函数。
// 嵌套上下文沿用当前执行槽，缓冲从该槽分配，返回前弹出，槽回到调用前的大小。
func (ctx *FunctionContext) CallOtherContractFunction(otherContractIndex uint32, inputType uint16, input []byte) ([]byte, error) {
	core := ctx.core
	if otherContractIndex >= core.cfg.ContractCount {
		return nil, ErrOutOfRange
	}
	entry, ok := core.userFunctions[otherContractIndex][inputType]
	if !ok {
		return nil, ErrNotRegistered
	}
	st := core.stacks.Stack(ctx.stackIndex)
	if st == nil {
		return nil, ErrOutOfRange
	}

	inputBuffer, outputBuffer, localsBuffer, err := allocCallBuffers(st, entry.inputSize, entry.outputSize, entry.localsSize, input)
	if err != nil {
		return nil, err
	}

	nested := &FunctionContext{
		core:              core,
		contractIndex:     otherContractIndex,
		originator:        ctx.originator,
		invocator:         ctx.currentContractID,
		currentContractID: types.ContractID(otherContractIndex),
		invocationReward:  ctx.invocationReward,
		stackIndex:        ctx.stackIndex,
	}

	core.stateLocks[otherContractIndex].RLock()

	start := time.Now()
	entry.fn(nested, core.states[otherContractIndex], inputBuffer, outputBuffer, localsBuffer)
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&core.execTicks[otherContractIndex], elapsed)

	core.stateLocks[otherContractIndex].RUnlock()

	core.Stats.RecordExecution(otherContractIndex, stats.UserFunction, inputType, elapsed)

	output := append([]byte(nil), outputBuffer...)
	st.Free()
	return output, nil
}

// CallOtherContractProcedure 在运行中的过程里调用另一个合约的过程。
// 先尝试把 invocationReward 从调用方合约账户转给被调方；余额不足时奖励
// 归零，调用照常进行。
func (ctx *ProcedureContext) CallOtherContractProcedure(otherContractIndex uint32, inputType uint16, input []byte, invocationReward int64) ([]byte, error) {
	core := ctx.core
	if otherContractIndex >= core.cfg.ContractCount {
		return nil, ErrOutOfRange
	}
	entry, ok := core.userProcedures[otherContractIndex][inputType]
	if !ok {
		return nil, ErrNotRegistered
	}
	st := core.stacks.Stack(ctx.stackIndex)
	if st == nil {
		return nil, ErrOutOfRange
	}

	if core.transfer(ctx.currentContractID, types.ContractID(otherContractIndex), invocationReward) < 0 {
		invocationReward = 0
	}

	inputBuffer, outputBuffer, localsBuffer, err := allocCallBuffers(st, entry.inputSize, entry.outputSize, entry.localsSize, input)
	if err != nil {
		return nil, err
	}

	nested := &ProcedureContext{FunctionContext{
		core:              core,
		contractIndex:     otherContractIndex,
		originator:        ctx.originator,
		invocator:         ctx.currentContractID,
		currentContractID: types.ContractID(otherContractIndex),
		invocationReward:  invocationReward,
		stackIndex:        ctx.stackIndex,
	}}

	core.stateLocks[otherContractIndex].Lock()

	start := time.Now()
	entry.fn(nested, core.states[otherContractIndex], inputBuffer, outputBuffer, localsBuffer)
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&core.execTicks[otherContractIndex], elapsed)

	core.stateLocks[otherContractIndex].Unlock()
	core.flags.Set(otherContractIndex)

	core.Stats.RecordExecution(otherContractIndex, stats.UserProcedure, inputType, elapsed)

	output := append([]byte(nil), outputBuffer...)
	st.Free()
	return output, nil
}
