package twoskip_go

import (
	"bytes"

	"twoskip-go/data"
)

// 按位置读取记录。snapshot 直接读文件，txn 在文件之上叠加本次写操作尚未落盘的修改
type recordReader interface {
	readRecord(offset int64) (*data.Record, error)
}

// snapshot 一次操作期间看到的文件状态
type snapshot struct {
	db     *DB
	header *data.Header
}

func (db *DB) newSnapshot(header *data.Header) *snapshot {
	return &snapshot{db: db, header: header}
}

func (s *snapshot) readRecord(offset int64) (*data.Record, error) {
	if offset == data.HeadOffset {
		return s.headRecord(), nil
	}
	return s.db.file.ReadRecord(offset)
}

// 头哨兵的指针和文件头里的根指针一致，直接用文件头构造，每次返回新的副本
func (s *snapshot) headRecord() *data.Record {
	next := make([]int64, data.MaxLevel)
	copy(next, s.header.Roots[:])
	return &data.Record{
		Offset: data.HeadOffset,
		Type:   data.RecordDummy,
		Level:  data.MaxLevel - 1,
		Next:   next,
	}
}

// location find 的结果
type location struct {
	preds [data.MaxLevel]*data.Record // 每一层最后一条 key 小于目标的记录
	match *data.Record                // key 相同的已链接记录，可能是墓碑
}

// find 从最高层开始向右走，直到下一条记录的 key 不小于目标，记下前驱后下降一层。
// 一次遍历同时得到查找结果和插入需要的前驱链
func find(r recordReader, key []byte) (*location, error) {
	cur, err := r.readRecord(data.HeadOffset)
	if err != nil {
		return nil, err
	}
	loc := &location{}
	for level := data.MaxLevel - 1; level >= 0; level-- {
		for {
			next, err := follow(r, cur, level)
			if err != nil {
				return nil, err
			}
			if next == nil {
				break
			}
			c := bytes.Compare(next.Key, key)
			if c == 0 && level == 0 {
				loc.match = next
			}
			if c >= 0 {
				break
			}
			cur = next
		}
		loc.preds[level] = cur
	}
	return loc, nil
}

// 读取 cur 在 level 层的后继，到达尾哨兵时返回 nil
func follow(r recordReader, cur *data.Record, level int) (*data.Record, error) {
	offset := cur.Next[level]
	if offset == data.TailOffset {
		return nil, nil
	}
	if offset < data.FirstRecordOffset {
		return nil, &data.FormatError{Offset: cur.Offset, Err: data.ErrInvalidPointer}
	}
	next, err := r.readRecord(offset)
	if err != nil {
		return nil, err
	}
	if next.Type != data.RecordData && next.Type != data.RecordDelete {
		return nil, &data.FormatError{Offset: cur.Offset, Err: data.ErrInvalidPointer}
	}
	if int(next.Level) < level {
		return nil, &data.FormatError{Offset: offset, Err: data.ErrInvalidLevel}
	}
	if cur.Type != data.RecordDummy && bytes.Compare(cur.Key, next.Key) >= 0 {
		return nil, &data.FormatError{Offset: offset, Err: data.ErrOutOfOrder}
	}
	return next, nil
}

// nextLive 沿第 0 层找到 from 之后的第一条数据记录，墓碑被跳过，没有时返回 nil
func nextLive(r recordReader, from *data.Record) (*data.Record, error) {
	cur := from
	for {
		var err error
		if cur, err = follow(r, cur, 0); err != nil || cur == nil {
			return nil, err
		}
		if cur.Type == data.RecordData {
			return cur, nil
		}
	}
}

// walkLinked 按 key 的顺序遍历第 0 层上所有已链接的记录，包括墓碑
func walkLinked(r recordReader, fn func(rec *data.Record) error) error {
	cur, err := r.readRecord(data.HeadOffset)
	if err != nil {
		return err
	}
	for {
		if cur, err = follow(r, cur, 0); err != nil {
			return err
		}
		if cur == nil {
			return nil
		}
		if err := fn(cur); err != nil {
			return err
		}
	}
}
