// Package replay 定义防重放账本。
//
// AdmitOnce 必须是后端的一次原子"不存在则插入"操作（唯一键插入、
// SET NX、etcd 事务等），不能拆成先查后写。
package replay

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// Ledger 防重放账本
type Ledger interface {
	// AdmitOnce 原子地写入条目。首次写入返回 Admitted；
	// 已存在时返回 Duplicate 以及首次写入的条目。
	// 重复投递一律视为重放，不论投递方是否声明为重试。
	AdmitOnce(ctx context.Context, record *model.ReplayRecord) (*model.AdmitResult, error)
}

// Pruner 没有原生过期机制的后端实现此接口
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// 指纹域标签，不同用途的指纹不会碰撞
const (
	ScopeCallback = "callback"
	ScopeScan     = "scan"
)

// Fingerprint 计算确定性指纹：BLAKE3(scope ‖ len(part) ‖ part ...)。
// 每个字段带长度前缀，("ab","c") 与 ("a","bc") 不会得到相同指纹。
func Fingerprint(scope string, parts ...string) string {
	h := blake3.New()
	writePart(h, scope)
	for _, p := range parts {
		writePart(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writePart(h *blake3.Hasher, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
