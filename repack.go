package twoskip_go

import (
	"bufio"
	"fmt"
	"os"

	"twoskip-go/data"
	"twoskip-go/fio"
	"twoskip-go/utils"
)

const repackBufferSize = 1 << 20

// freshRecord 写入新文件的一条数据记录，value 在写入时才从原文件读取
type freshRecord struct {
	key    []byte
	valLen int
	src    int64 // 原文件中的位置
}

// Repack 把第 0 层上存活的数据按 key 的顺序写到新文件，重新分配层数，
// 然后用 rename 原子地替换原文件。只读句柄会在下一次操作时看到 generation 变化
func (db *DB) Repack() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}

	// 只能沿第 0 层遍历，高层指针可能指向已经被覆盖的记录
	var records []freshRecord
	snap := db.newSnapshot(db.header)
	err := walkLinked(snap, func(rec *data.Record) error {
		if rec.Type == data.RecordData {
			records = append(records, freshRecord{key: rec.Key, valLen: len(rec.Value), src: rec.Offset})
		}
		return nil
	})
	if err != nil {
		return err
	}

	tmp := db.options.Path + repackFileSuffix
	header, err := writeFresh(tmp, db.header.Generation+1, records, func(src int64) ([]byte, error) {
		rec, err := db.file.ReadRecord(src)
		if err != nil {
			return nil, err
		}
		return rec.Value, nil
	})
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, db.options.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// 原文件已经被替换，后面出错只能重新打开
	file, err := data.OpenDataFile(db.options.Path, fio.StandardFIO)
	if err != nil {
		return db.markBroken(err)
	}
	oldSize := db.header.CurrentSize
	_ = db.file.Close()
	db.file = file
	db.header = header
	if err := utils.SyncDir(db.options.Path); err != nil {
		return err
	}
	db.logger.Info("database repacked", "generation", header.Generation,
		"keys", header.NumRecords, "old_size", oldSize, "new_size", header.CurrentSize)
	return nil
}

// writeFresh 把 records 按顺序写成一个完整的新文件：文件头、头尾哨兵、数据记录和一条覆盖全部记录的提交。
// 层数和指针提前算好，每条记录只写一次，相同的输入总是得到相同的字节
func writeFresh(path string, generation uint64, records []freshRecord, load func(src int64) ([]byte, error)) (*data.Header, error) {
	header := data.NewHeader()
	header.Generation = generation
	header.Sequence = uint64(len(records))
	header.NumRecords = uint64(len(records))

	levels := make([]uint8, len(records))
	offsets := make([]int64, len(records))
	offset := int64(data.FirstRecordOffset)
	for i, r := range records {
		levels[i] = data.LevelFor(uint64(i + 1))
		offsets[i] = offset
		offset += data.RecordSize(uint64(len(r.key)), uint64(r.valLen), levels[i])
	}

	// 从后往前，每一层的指针就是后面第一条层数足够的记录
	nexts := make([][]int64, len(records))
	var last [data.MaxLevel]int64
	for i := range last {
		last[i] = data.TailOffset
	}
	for i := len(records) - 1; i >= 0; i-- {
		next := make([]int64, int(levels[i])+1)
		copy(next, last[:len(next)])
		nexts[i] = next
		for n := range next {
			last[n] = offsets[i]
		}
	}
	header.Roots = last
	header.CurrentSize = offset + data.CommitSize

	_ = os.Remove(path)
	ioManager, err := fio.NewFileIOManager(path)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*data.Header, error) {
		_ = ioManager.Close()
		_ = os.Remove(path)
		return nil, err
	}

	w := bufio.NewWriterSize(ioManager, repackBufferSize)
	if _, err := w.Write(data.EncodeHeader(header)); err != nil {
		return fail(err)
	}
	headDummy := &data.Record{Type: data.RecordDummy, Level: data.MaxLevel - 1, Next: last[:]}
	tailDummy := &data.Record{Type: data.RecordDummy, Level: data.MaxLevel - 1, Next: make([]int64, data.MaxLevel)}
	var digest uint32
	for _, dummy := range []*data.Record{headDummy, tailDummy} {
		digest = data.UpdateDigest(digest, dummy)
		if _, err := w.Write(data.EncodeRecord(dummy)); err != nil {
			return fail(err)
		}
	}

	for i, r := range records {
		value, err := load(r.src)
		if err != nil {
			return fail(err)
		}
		if len(value) != r.valLen {
			return fail(fmt.Errorf("record at %d changed during repack", r.src))
		}
		rec := &data.Record{
			Offset: offsets[i],
			Type:   data.RecordData,
			Level:  levels[i],
			Key:    r.key,
			Value:  value,
			Next:   nexts[i],
		}
		digest = data.UpdateDigest(digest, rec)
		if _, err := w.Write(data.EncodeRecord(rec)); err != nil {
			return fail(err)
		}
	}

	commit := data.NewCommitRecord(offset, data.StartOffset, digest)
	if _, err := w.Write(data.EncodeRecord(commit)); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := ioManager.Sync(); err != nil {
		return fail(err)
	}
	if err := ioManager.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return header, nil
}
