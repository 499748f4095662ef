package twoskip_go

import (
	"bytes"

	"twoskip-go/data"
)

// Iterator 按 key 从小到大遍历数据。不是活动游标，每一步都重新读取文件，
// 遍历过程中写入的数据可能看到也可能看不到，但已经返回过的 key 不会重复出现
type Iterator struct {
	db      *DB
	options IteratorOptions

	offset     int64 // 当前记录的位置
	key        []byte
	value      []byte
	generation uint64 // 读到当前记录时文件的状态
	sequence   uint64
	valid      bool
	err        error
}

// NewIterator 初始化迭代器
func (db *DB) NewIterator(opts IteratorOptions) *Iterator {
	it := &Iterator{db: db, options: opts}
	it.Rewind()
	return it
}

// Rewind 重新回到迭代器的起点，即第一个数据
func (it *Iterator) Rewind() {
	it.seek(it.options.Prefix)
}

// Seek 根据传入的 key 查找到第一个大于等于的目标 key，从这个 key 开始遍历
func (it *Iterator) Seek(key []byte) {
	if bytes.Compare(key, it.options.Prefix) < 0 {
		key = it.options.Prefix
	}
	it.seek(key)
}

// Next 跳转到下一个 key
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.step(it.advance)
}

// Valid 是否有效，即是否已经遍历完了所有的 key，用于退出遍历
func (it *Iterator) Valid() bool {
	return it.valid
}

// Key 当前遍历位置的 Key 数据
func (it *Iterator) Key() []byte {
	return it.key
}

// Value 当前遍历位置的 Value 数据
func (it *Iterator) Value() []byte {
	return it.value
}

// Err 遍历过程中遇到的错误，出错后 Valid 返回 false
func (it *Iterator) Err() error {
	return it.err
}

// Close 关闭迭代器
func (it *Iterator) Close() {
	it.valid = false
	it.key, it.value = nil, nil
}

func (it *Iterator) seek(key []byte) {
	it.step(func(s *snapshot) (*data.Record, error) {
		loc, err := find(s, key)
		if err != nil {
			return nil, err
		}
		return nextLive(s, loc.preds[0])
	})
}

// 文件没有变化时直接沿当前记录的指针走；否则从上一次的 key 重新查找，
// 当前记录可能已经被覆盖，它的指针不再可信
func (it *Iterator) advance(s *snapshot) (*data.Record, error) {
	if s.header.Generation == it.generation && s.header.Sequence == it.sequence {
		cur, err := s.readRecord(it.offset)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(cur.Key, it.key) {
			return nextLive(s, cur)
		}
	}
	loc, err := find(s, it.key)
	if err != nil {
		return nil, err
	}
	from := loc.preds[0]
	if loc.match != nil {
		from = loc.match
	}
	return nextLive(s, from)
}

func (it *Iterator) step(fn func(s *snapshot) (*data.Record, error)) {
	it.valid = false
	it.err = it.db.view(func(s *snapshot) error {
		rec, err := fn(s)
		if err != nil {
			return err
		}
		if rec == nil || !bytes.HasPrefix(rec.Key, it.options.Prefix) {
			return nil
		}
		it.offset, it.key, it.value = rec.Offset, rec.Key, rec.Value
		it.generation, it.sequence = s.header.Generation, s.header.Sequence
		it.valid = true
		return nil
	})
}
