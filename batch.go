package twoskip_go

import (
	"sync"

	"twoskip-go/data"
)

// WriteBatch 原子批量写数据，所有操作共用一条提交记录
type WriteBatch struct {
	db        *DB
	mu        *sync.Mutex
	ops       []batchOp
	committed bool
}

type batchOp struct {
	typ   data.RecordType
	key   []byte
	value []byte
}

// NewWriteBatch 初始化 WriteBatch
func (db *DB) NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		db: db,
		mu: new(sync.Mutex),
	}
}

// Put 批量写数据
func (wb *WriteBatch) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	return wb.add(data.RecordData, key, value)
}

// Delete 删除数据，提交时 key 不存在会让整个批次失败
func (wb *WriteBatch) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	return wb.add(data.RecordDelete, key, nil)
}

// Commit 提交事务，按添加的顺序执行所有操作，要么全部写入要么都不写入
func (wb *WriteBatch) Commit() error {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.committed {
		return ErrBatchCommitted
	}

	err := wb.db.update(func(t *txn) error {
		for _, op := range wb.ops {
			if err := t.apply(op.typ, op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	wb.committed = true
	wb.ops = nil
	return nil
}

func (wb *WriteBatch) add(typ data.RecordType, key, value []byte) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.committed {
		return ErrBatchCommitted
	}
	// 提交之前调用方可能复用这些切片
	wb.ops = append(wb.ops, batchOp{
		typ:   typ,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}
