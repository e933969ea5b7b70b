package vm

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
)

// StateChangeFlags 本 tick 内被修改过的合约位图。
// 每个写入方释放状态锁后置位；tick 边界由外部统一清零。
// 置位用原子 OR，不同合约的 procedure 并发执行也安全。
type StateChangeFlags struct {
	words []atomic.Uint64
}

func NewStateChangeFlags(contractCount uint32) *StateChangeFlags {
	return &StateChangeFlags{
		words: make([]atomic.Uint64, (contractCount+63)/64),
	}
}

func (f *StateChangeFlags) Set(contractIndex uint32) {
	w := &f.words[contractIndex>>6]
	mask := uint64(1) << (contractIndex & 63)
	for {
		old := w.Load()
		if old&mask != 0 {
			return
		}
		if w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (f *StateChangeFlags) Test(contractIndex uint32) bool {
	return f.words[contractIndex>>6].Load()&(1<<(contractIndex&63)) != 0
}

func (f *StateChangeFlags) Clear() {
	for i := range f.words {
		f.words[i].Store(0)
	}
}

// Changed 导出本 tick 修改过的合约集合
func (f *StateChangeFlags) Changed() *roaring.Bitmap {
	bm := roaring.New()
	for w := range f.words {
		word := f.words[w].Load()
		for bit := 0; word != 0; bit++ {
			if word&1 != 0 {
				bm.Add(uint32(w*64 + bit))
			}
			word >>= 1
		}
	}
	return bm
}
