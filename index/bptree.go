package index

import (
	"go.etcd.io/bbolt"

	"twoskip-go/data"
)

var indexBucketName = []byte("twoskip-index")

// BPlusTree B+ 树索引
// 主要封装了 go.etcd.io/bbolt 库，索引存放在磁盘上，key 很多时可以不占用内存
type BPlusTree struct {
	tree *bbolt.DB
}

// NewBPlusTree 初始化 B+ 树索引，path 为索引文件的路径
func NewBPlusTree(path string, syncWrites bool) (*BPlusTree, error) {
	opts := *bbolt.DefaultOptions
	opts.NoSync = !syncWrites
	bptree, err := bbolt.Open(path, 0644, &opts)
	if err != nil {
		return nil, err
	}

	// 创建对应的 bucket
	if err := bptree.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucketName)
		return err
	}); err != nil {
		_ = bptree.Close()
		return nil, err
	}
	return &BPlusTree{tree: bptree}, nil
}

func (bpt *BPlusTree) Put(key []byte, pos *data.RecordPos) bool {
	if err := bpt.tree.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(indexBucketName)
		return bucket.Put(key, data.EncodeRecordPos(pos))
	}); err != nil {
		return false
	}
	return true
}

func (bpt *BPlusTree) Get(key []byte) *data.RecordPos {
	var pos *data.RecordPos
	_ = bpt.tree.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(indexBucketName)
		value := bucket.Get(key)
		if len(value) != 0 {
			pos = data.DecodeRecordPos(value)
		}
		return nil
	})
	return pos
}

func (bpt *BPlusTree) Delete(key []byte) bool {
	var ok bool
	_ = bpt.tree.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(indexBucketName)
		if value := bucket.Get(key); len(value) != 0 {
			ok = bucket.Delete(key) == nil
		}
		return nil
	})
	return ok
}

func (bpt *BPlusTree) Size() int {
	var size int
	_ = bpt.tree.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(indexBucketName)
		size = bucket.Stats().KeyN
		return nil
	})
	return size
}

func (bpt *BPlusTree) Iterator(reverse bool) Iterator {
	return newBptreeIterator(bpt.tree, reverse)
}

func (bpt *BPlusTree) Close() error {
	return bpt.tree.Close()
}

// B+ 树迭代器
type bptreeIterator struct {
	err       error
	tx        *bbolt.Tx
	cursor    *bbolt.Cursor
	reverse   bool
	currKey   []byte
	currValue []byte
}

func newBptreeIterator(tree *bbolt.DB, reverse bool) *bptreeIterator {
	tx, err := tree.Begin(false)
	if err != nil {
		return &bptreeIterator{err: err}
	}
	bpi := &bptreeIterator{
		tx:      tx,
		cursor:  tx.Bucket(indexBucketName).Cursor(),
		reverse: reverse,
	}
	bpi.Rewind()
	return bpi
}

func (bpi *bptreeIterator) Rewind() {
	if bpi.cursor == nil {
		return
	}
	if bpi.reverse {
		bpi.currKey, bpi.currValue = bpi.cursor.Last()
	} else {
		bpi.currKey, bpi.currValue = bpi.cursor.First()
	}
}

func (bpi *bptreeIterator) Seek(key []byte) {
	if bpi.cursor == nil {
		return
	}
	bpi.currKey, bpi.currValue = bpi.cursor.Seek(key)
	if !bpi.reverse {
		return
	}
	// 反向遍历时找第一个小于等于 key 的位置
	if bpi.currKey == nil {
		bpi.currKey, bpi.currValue = bpi.cursor.Last()
	} else if string(bpi.currKey) != string(key) {
		bpi.currKey, bpi.currValue = bpi.cursor.Prev()
	}
}

func (bpi *bptreeIterator) Next() {
	if bpi.cursor == nil {
		return
	}
	if bpi.reverse {
		bpi.currKey, bpi.currValue = bpi.cursor.Prev()
	} else {
		bpi.currKey, bpi.currValue = bpi.cursor.Next()
	}
}

func (bpi *bptreeIterator) Valid() bool {
	return len(bpi.currKey) != 0
}

func (bpi *bptreeIterator) Key() []byte {
	return bpi.currKey
}

func (bpi *bptreeIterator) Value() *data.RecordPos {
	return data.DecodeRecordPos(bpi.currValue)
}

func (bpi *bptreeIterator) Err() error {
	return bpi.err
}

func (bpi *bptreeIterator) Close() {
	if bpi.tx != nil {
		_ = bpi.tx.Rollback()
	}
}
