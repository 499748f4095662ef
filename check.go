package twoskip_go

import (
	"fmt"
	"slices"

	"twoskip-go/data"
)

// Check 检查文件的一致性：第 0 层的 key 严格递增，每一层的指针都是规范的
// （指向后面第一条层数足够的已链接记录，因此高层一定是第 0 层的子序列），
// 头哨兵和文件头的根指针一致，文件头的统计信息和线性扫描的结果一致
func (db *DB) Check() error {
	return db.view(func(s *snapshot) error {
		if !db.options.ReadOnly {
			head, err := db.file.ReadRecord(data.HeadOffset)
			if err != nil {
				return err
			}
			if !slices.Equal(head.Next, s.header.Roots[:]) {
				return fmt.Errorf("%w: head dummy does not match header roots", ErrCheckFailed)
			}
		}

		var linked []*data.Record
		var numRecords uint64
		var liveSize int64
		err := walkLinked(s, func(rec *data.Record) error {
			// 值不参与检查，避免整个文件都留在内存里
			linked = append(linked, &data.Record{Offset: rec.Offset, Level: rec.Level, Next: rec.Next})
			if rec.Type == data.RecordData {
				numRecords++
				liveSize += rec.Size()
			}
			return nil
		})
		if err != nil {
			return err
		}

		var expect [data.MaxLevel]int64
		for i := range expect {
			expect[i] = data.TailOffset
		}
		for i := len(linked) - 1; i >= 0; i-- {
			rec := linked[i]
			if !slices.Equal(rec.Next, expect[:len(rec.Next)]) {
				return fmt.Errorf("%w: record at %d has pointers %v, want %v",
					ErrCheckFailed, rec.Offset, rec.Next, expect[:len(rec.Next)])
			}
			for n := range rec.Next {
				expect[n] = rec.Offset
			}
		}
		if expect != s.header.Roots {
			return fmt.Errorf("%w: root pointers %v, want %v", ErrCheckFailed, s.header.Roots, expect)
		}

		var sequence uint64
		repackSize := -liveSize
		err = db.file.Walk(data.StartOffset, s.header.CurrentSize, func(rec *data.Record) error {
			switch rec.Type {
			case data.RecordCommit:
				repackSize += rec.Size()
			case data.RecordData, data.RecordDelete:
				sequence++
				repackSize += rec.Size()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if numRecords != s.header.NumRecords || sequence != s.header.Sequence || repackSize != s.header.RepackSize {
			return fmt.Errorf("%w: header counters (keys %d, sequence %d, repack %d), scanned (keys %d, sequence %d, repack %d)",
				ErrCheckFailed, s.header.NumRecords, s.header.Sequence, s.header.RepackSize,
				numRecords, sequence, repackSize)
		}
		return nil
	})
}
