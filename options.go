package twoskip_go

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"twoskip-go/index"
)

type IndexType = index.IndexType

const (
	BTree IndexType = index.Btree // Btree索引

	ART IndexType = index.ART // Adaptive Radix Tree索引

	BPTree IndexType = index.BPTree // B+树索引，放在 <Path>.rebuild 文件中
)

type Options struct {
	Path string // 数据库文件路径

	SyncWrites bool // 每次写数据是否持久化，关闭后崩溃时不再保证数据完整

	IndexType IndexType // 恢复时重建跳表指针使用的索引类型

	ReadOnly bool // 只读打开，使用内存映射读取，不加文件锁

	Logger *slog.Logger // 打开、恢复、repack 的日志，默认丢弃
}

var DefaultOptions = Options{
	Path:       filepath.Join(os.TempDir(), "twoskip.db"),
	SyncWrites: true,
	IndexType:  BTree,
}

// IteratorOptions 迭代器配置项
type IteratorOptions struct {
	// 遍历前缀为指定值的 Key，默认为空
	Prefix []byte
}

var DefaultIteratorOptions = IteratorOptions{
	Prefix: nil,
}

func checkOptions(options Options) error {
	if options.Path == "" {
		return ErrPathIsEmpty
	}
	if options.IndexType < BTree || options.IndexType > BPTree {
		return ErrInvalidIndexType
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(discardHandler{})
}

// 默认的日志 handler，丢弃所有日志
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
