package index

import (
	"bytes"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"twoskip-go/data"
)

// 抽象索引接口。恢复时用它收集每个 key 最新的记录，再按 key 的顺序重建跳表指针
type Indexer interface {
	// Put 向索引中存储key对应的数据的位置信息
	Put(key []byte, pos *data.RecordPos) bool

	// Get 根据key取出对应的索引位置信息
	Get(key []byte) *data.RecordPos

	// Delete 根据key删除对应的索引位置信息
	Delete(key []byte) bool

	// Size 索引中的数据量
	Size() int

	// Iterator 迭代器
	Iterator(reverse bool) Iterator

	// Close 关闭索引
	Close() error
}

type IndexType = int8

const (
	Btree IndexType = iota + 1 // Btree索引

	ART // Adaptive Radix Tree索引

	BPTree // B+树索引，存放在磁盘上
)

// NewIndexer 根据类型初始化索引，BPTree 需要一个文件路径
func NewIndexer(typ IndexType, path string, sync bool) (Indexer, error) {
	switch typ {
	case Btree:
		return NewBTree(), nil
	case ART:
		return NewART(), nil
	case BPTree:
		return NewBPlusTree(path, sync)
	default:
		panic("unsupported index type")
	}
}

// KeyFits 判断 key 能否放进给定类型的索引。BPTree 受 bbolt 的 key 长度限制
func KeyFits(typ IndexType, key []byte) bool {
	if typ == BPTree {
		return len(key) <= bbolt.MaxKeySize
	}
	return true
}

type Item struct {
	key []byte
	pos *data.RecordPos
}

// 放入btree的item必须要实现这个Less方法，因为btree需要对item进行排序
func (ai *Item) Less(bi btree.Item) bool {
	return bytes.Compare(ai.key, bi.(*Item).key) == -1
}

// Iterator 通用索引迭代器
type Iterator interface {
	// Rewind 重新回到迭代器的起点，即第一个数据
	Rewind()

	// Seek 根据传入的 key 查找到第一个大于（或小于）等于的目标 key，根据从这个 key 开始遍历
	Seek(key []byte)

	// Next 跳转到下一个 key
	Next()

	// Valid 是否有效，即是否已经遍历完了所有的 key，用于退出遍历
	Valid() bool

	// Key 当前遍历位置的 Key 数据
	Key() []byte

	// Value 当前遍历位置的 Value 数据
	Value() *data.RecordPos

	// Err 创建或遍历迭代器时遇到的错误，出错后 Valid 返回 false
	Err() error

	// Close 关闭迭代器，释放相应资源
	Close()
}
