package utils

import (
	"qnode/types"

	"github.com/cloudflare/circl/xof/k12"
)

// K12Hash 使用 KangarooTwelve 计算 256 位摘要
func K12Hash(data []byte) types.Digest {
	var out types.Digest
	h := k12.NewDraft10(nil)
	_, _ = h.Write(data)
	_, _ = h.Read(out[:])
	return out
}
