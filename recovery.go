package twoskip_go

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gofrs/flock"

	"twoskip-go/data"
	"twoskip-go/fio"
	"twoskip-go/index"
	"twoskip-go/utils"
)

// 写方式打开：加锁，文件不存在时创建，不完整时恢复，最后递增 generation
func (db *DB) openWriter() (err error) {
	path := db.options.Path
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}

	// 判断当前数据文件是否正在使用
	fileLock := flock.New(path + lockFileSuffix)
	hold, err := fileLock.TryLock()
	if err != nil {
		return err
	}
	if !hold {
		return ErrDatabaseIsUsing
	}
	defer func() {
		if err != nil {
			_ = fileLock.Unlock()
		}
	}()

	// 上一次 repack 中途失败留下的临时文件
	_ = os.Remove(path + repackFileSuffix)

	exists, err := utils.FileExists(path)
	if err != nil {
		return err
	}
	if !exists {
		if err := createFile(path); err != nil {
			return err
		}
		db.logger.Info("database file created")
	}

	file, err := data.OpenDataFile(path, fio.StandardFIO)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = file.Close()
		}
	}()
	db.file = file

	header, err := file.ReadHeader()
	if err != nil {
		return err
	}
	size, err := file.Size()
	if err != nil {
		return err
	}
	if !db.endsWithCommit(header, size) {
		if header, err = db.recover(header, size); err != nil {
			return err
		}
	}

	header.Generation++
	if err := file.WriteHeader(header); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	db.header = header
	db.fileLock = fileLock
	db.logger.Info("database opened", "generation", header.Generation,
		"keys", header.NumRecords, "size", header.CurrentSize)
	return nil
}

// 新建一个只有头尾哨兵和初始提交的文件，先写到临时文件再 rename
func createFile(path string) error {
	tmp := path + repackFileSuffix
	if _, err := writeFresh(tmp, 0, nil, nil); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return utils.SyncDir(path)
}

// 文件长度和文件头一致，并且以一条提交记录结尾，说明上一次是正常关闭的
func (db *DB) endsWithCommit(header *data.Header, size int64) bool {
	if size != header.CurrentSize {
		return false
	}
	rec, err := db.file.ReadRecord(size - data.CommitSize)
	return err == nil && rec.Type == data.RecordCommit
}

// recover 找到最后一个有效的提交，丢弃后面的字节，
// 并按 key 的顺序重建所有已链接记录的指针和文件头的统计信息
func (db *DB) recover(header *data.Header, size int64) (*data.Header, error) {
	end, err := committedEnd(db.file, size)
	if err != nil {
		return nil, err
	}
	// 文件头声明的长度之内出现了无效的提交，说明数据已经损坏，不能靠截断修复
	if size >= header.CurrentSize && end < header.CurrentSize {
		return nil, &data.FormatError{Offset: end, Err: data.ErrInvalidCommit}
	}
	db.logger.Warn("recovering database", "file_size", size,
		"header_size", header.CurrentSize, "committed_size", end)

	idxPath := db.options.Path + rebuildFileSuffix
	_ = os.Remove(idxPath)
	idxType := db.options.IndexType
	idx, err := index.NewIndexer(idxType, idxPath, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = idx.Close()
		_ = os.Remove(idxPath)
	}()

	// 收集每个 key 最新的记录
	recovered := *header
	recovered.Sequence, recovered.NumRecords, recovered.RepackSize = 0, 0, 0
	var appended int64
	err = db.file.Walk(data.StartOffset, end, func(rec *data.Record) error {
		switch rec.Type {
		case data.RecordCommit:
			recovered.RepackSize += rec.Size()
		case data.RecordData, data.RecordDelete:
			recovered.Sequence++
			appended += rec.Size()
			if !index.KeyFits(idxType, rec.Key) {
				db.logger.Warn("key too long for rebuild index, falling back to btree",
					"index_type", idxType, "key_size", len(rec.Key))
				bt, err := moveToBTree(idx)
				if err != nil {
					return err
				}
				idx, idxType = bt, index.Btree
			}
			pos := &data.RecordPos{Offset: rec.Offset, Size: rec.Size(), Level: rec.Level, Type: rec.Type}
			if !idx.Put(rec.Key, pos) {
				return ErrIndexUpdateFailed
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 按 key 的顺序重新链接，只改写和期望不一致的记录
	l := newLinker(db.file)
	it := idx.Iterator(false)
	for it.Rewind(); it.Valid(); it.Next() {
		pos := it.Value()
		if pos.Type == data.RecordData {
			recovered.NumRecords++
			appended -= pos.Size
		}
		if err = l.link(pos.Offset, pos.Level); err != nil {
			break
		}
	}
	if err == nil {
		err = it.Err()
	}
	it.Close()
	if err != nil {
		return nil, err
	}
	roots, err := l.finish()
	if err != nil {
		return nil, err
	}
	// 被覆盖的记录和已链接的墓碑都可以回收
	recovered.RepackSize += appended
	recovered.CurrentSize = end
	copy(recovered.Roots[:], roots)

	if err := db.file.Sync(); err != nil {
		return nil, err
	}
	if err := db.file.Truncate(end); err != nil {
		return nil, err
	}
	if err := db.file.WriteHeader(&recovered); err != nil {
		return nil, err
	}
	if err := db.file.Sync(); err != nil {
		return nil, err
	}
	db.logger.Info("database recovered", "discarded", size-end, "indexed", idx.Size(),
		"keys", recovered.NumRecords, "relinked", l.rewritten)
	return &recovered, nil
}

// 把已经收集的记录搬到内存中的 BTree 里，原来的索引会被关闭
func moveToBTree(old index.Indexer) (index.Indexer, error) {
	bt := index.NewBTree()
	it := old.Iterator(false)
	for it.Rewind(); it.Valid(); it.Next() {
		// bbolt 的 key 只在事务内有效
		bt.Put(append([]byte(nil), it.Key()...), it.Value())
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return nil, err
	}
	if err := old.Close(); err != nil {
		return nil, err
	}
	return bt, nil
}

// committedEnd 从头线性扫描，返回最后一个摘要匹配的提交记录的末尾。
// 指针可能被改写到一半，这里只校验不会被改写的部分
func committedEnd(file *data.DataFile, size int64) (int64, error) {
	end := int64(data.StartOffset)
	regionStart := int64(data.StartOffset)
	var digest uint32
	for offset := int64(data.StartOffset); offset < size; {
		rec, err := file.ReadRecordPayload(offset)
		if err != nil {
			if data.IsFormatError(err) {
				break
			}
			return 0, err
		}
		isDummy := offset == data.HeadOffset || offset == data.TailOffset
		if isDummy != (rec.Type == data.RecordDummy) {
			break
		}
		if rec.Type == data.RecordCommit {
			if rec.Next[0] != regionStart || rec.RegionCRC != digest {
				break
			}
			end = offset + rec.Size()
			regionStart, digest = end, 0
		} else {
			digest = data.UpdateDigest(digest, rec)
		}
		offset += rec.Size()
	}
	return end, nil
}

// linker 按 key 从小到大接收记录，算出每一层的指针。
// 一条记录在它的每一层都有了后继之后就可以写回，同时在内存中的记录不超过 MaxLevel 条
type linker struct {
	file      *data.DataFile
	last      [data.MaxLevel]int64 // 每一层最后一条记录的位置
	pending   map[int64]*pendingHead
	head      *pendingHead
	rewritten int
}

type pendingHead struct {
	next []int64
	left int // 还没有确定的层数
}

func newLinker(file *data.DataFile) *linker {
	head := &pendingHead{next: make([]int64, data.MaxLevel), left: data.MaxLevel}
	l := &linker{
		file:    file,
		pending: map[int64]*pendingHead{data.HeadOffset: head},
		head:    head,
	}
	for i := range l.last {
		l.last[i] = data.HeadOffset
	}
	return l
}

func (l *linker) link(offset int64, level uint8) error {
	l.pending[offset] = &pendingHead{next: make([]int64, int(level)+1), left: int(level) + 1}
	for n := 0; n <= int(level); n++ {
		if err := l.resolve(n, offset); err != nil {
			return err
		}
		l.last[n] = offset
	}
	return nil
}

// finish 所有层最后的记录都指向尾哨兵，返回头哨兵的指针
func (l *linker) finish() ([]int64, error) {
	for n := range l.last {
		if err := l.resolve(n, data.TailOffset); err != nil {
			return nil, err
		}
	}
	return l.head.next, nil
}

func (l *linker) resolve(level int, next int64) error {
	offset := l.last[level]
	p := l.pending[offset]
	p.next[level] = next
	if p.left--; p.left > 0 {
		return nil
	}
	delete(l.pending, offset)
	return l.flush(offset, p.next)
}

// 头部校验失败或者指针和期望不一致时原地改写
func (l *linker) flush(offset int64, next []int64) error {
	head, err := l.file.ReadRecordHead(offset)
	if err != nil {
		return err
	}
	if len(head.Next) != len(next) {
		return fmt.Errorf("relink record at %d: %w", offset, data.ErrInvalidLevel)
	}
	if head.Intact && slices.Equal(head.Next, next) {
		return nil
	}
	head.Next = next
	if err := l.file.WriteAt(head.Encode(), offset); err != nil {
		return err
	}
	l.rewritten++
	return nil
}
