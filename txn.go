package twoskip_go

import (
	"fmt"
	"sort"

	"twoskip-go/data"
)

// txn 一次写操作。新记录和被修改的前驱先放在内存里，
// find 透过它能看到本次操作前面写入的记录，commit 时一次性落盘
type txn struct {
	db      *DB
	snap    *snapshot
	header  data.Header // 提交成功后生效的文件头
	start   int64       // 本次追加的起点，也就是上一个提交的末尾
	offset  int64       // 下一条新记录的位置
	digest  uint32      // 新记录的摘要，写进提交记录
	pending []*data.Record
	written map[int64]*data.Record // 按位置索引的新记录
	dirty   map[int64]*data.Record // 指针被修改的已有记录（副本）
}

func (db *DB) newTxn() *txn {
	return &txn{
		db:      db,
		snap:    db.newSnapshot(db.header),
		header:  *db.header,
		start:   db.header.CurrentSize,
		offset:  db.header.CurrentSize,
		written: make(map[int64]*data.Record),
		dirty:   make(map[int64]*data.Record),
	}
}

func (t *txn) readRecord(offset int64) (*data.Record, error) {
	if rec, ok := t.written[offset]; ok {
		return rec, nil
	}
	if rec, ok := t.dirty[offset]; ok {
		return rec, nil
	}
	return t.snap.readRecord(offset)
}

// 修改 offset 处记录在 level 层的指针，已有记录先复制一份
func (t *txn) setNext(offset int64, level int, next int64) error {
	rec, ok := t.written[offset]
	if !ok {
		rec, ok = t.dirty[offset]
	}
	if !ok {
		orig, err := t.snap.readRecord(offset)
		if err != nil {
			return err
		}
		cp := *orig
		cp.Next = append([]int64(nil), orig.Next...)
		rec = &cp
		t.dirty[offset] = rec
	}
	rec.Next[level] = next
	return nil
}

// apply 追加一条数据或墓碑记录并在内存中链接到跳表上
func (t *txn) apply(typ data.RecordType, key, value []byte) error {
	loc, err := find(t, key)
	if err != nil {
		return err
	}
	old := loc.match
	if typ == data.RecordDelete && (old == nil || old.Type == data.RecordDelete) {
		return ErrKeyNotFound
	}

	t.header.Sequence++
	rec := &data.Record{
		Offset: t.offset,
		Type:   typ,
		Level:  data.LevelFor(t.header.Sequence),
		Key:    key,
		Value:  value,
	}
	// 新记录的指针取自前驱当前的指针，指向旧记录的要跳过它
	rec.Next = make([]int64, int(rec.Level)+1)
	for n := range rec.Next {
		next := loc.preds[n].Next[n]
		if old != nil && next == old.Offset {
			next = old.Next[n]
		}
		rec.Next[n] = next
	}
	// 旧记录比新记录高的那几层直接摘掉
	if old != nil {
		for n := len(rec.Next); n <= int(old.Level); n++ {
			if loc.preds[n].Next[n] != old.Offset {
				continue
			}
			if err := t.setNext(loc.preds[n].Offset, n, old.Next[n]); err != nil {
				return err
			}
		}
	}
	for n := range rec.Next {
		if err := t.setNext(loc.preds[n].Offset, n, rec.Offset); err != nil {
			return err
		}
	}

	if old != nil && old.Type == data.RecordData {
		t.header.NumRecords--
		t.header.RepackSize += old.Size()
	}
	switch typ {
	case data.RecordData:
		t.header.NumRecords++
	case data.RecordDelete:
		t.header.RepackSize += rec.Size()
	}

	t.digest = data.UpdateDigest(t.digest, rec)
	t.pending = append(t.pending, rec)
	t.written[rec.Offset] = rec
	t.offset += rec.Size()
	return nil
}

// commit 追加新记录和提交记录并持久化，然后才原地改写前驱的指针，最后写文件头。开启 SyncWrites 时每一步都单独 fsync，
// 改写指针之前出错会把文件截断回原来的长度；之后出错只能等下一次打开时恢复
func (t *txn) commit() error {
	if len(t.pending) == 0 {
		return nil
	}
	db := t.db

	commitRec := data.NewCommitRecord(t.offset, t.start, t.digest)
	buf := make([]byte, 0, t.offset+data.CommitSize-t.start)
	for _, rec := range t.pending {
		buf = append(buf, data.EncodeRecord(rec)...)
	}
	buf = append(buf, data.EncodeRecord(commitRec)...)

	if err := db.file.WriteAt(buf, t.start); err != nil {
		return db.rollback(t.start, err)
	}
	if db.options.SyncWrites {
		if err := db.file.Sync(); err != nil {
			return db.rollback(t.start, err)
		}
	}

	// 新记录已经落盘，按位置顺序改写前驱，头哨兵在最前面
	offsets := make([]int64, 0, len(t.dirty))
	for offset := range t.dirty {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, offset := range offsets {
		if err := db.file.WriteAt(t.dirty[offset].Head().Encode(), offset); err != nil {
			return db.markBroken(err)
		}
	}
	if db.options.SyncWrites {
		if err := db.file.Sync(); err != nil {
			return db.markBroken(err)
		}
	}

	head, err := t.readRecord(data.HeadOffset)
	if err != nil {
		return db.markBroken(err)
	}
	copy(t.header.Roots[:], head.Next)
	t.header.CurrentSize = t.offset + data.CommitSize
	t.header.RepackSize += data.CommitSize

	// 文件头落盘后下一次打开不需要恢复
	if err := db.file.WriteHeader(&t.header); err != nil {
		return db.markBroken(err)
	}
	if db.options.SyncWrites {
		if err := db.file.Sync(); err != nil {
			return db.markBroken(err)
		}
	}
	db.header = &t.header
	return nil
}

// 追加失败，把文件截断回 size
func (db *DB) rollback(size int64, cause error) error {
	if err := db.file.Truncate(size); err != nil {
		return db.markBroken(fmt.Errorf("%w, truncate failed: %v", cause, err))
	}
	return cause
}

func (db *DB) markBroken(cause error) error {
	db.broken = true
	db.logger.Error("write interrupted, database needs recovery", "error", cause)
	return fmt.Errorf("%w: %w", ErrNeedsRecovery, cause)
}
