package twoskip_go

import (
	"fmt"
	"io"

	"twoskip-go/data"
)

var recordTypeNames = map[data.RecordType]string{
	data.RecordDummy:  "DUMMY",
	data.RecordData:   "DATA",
	data.RecordDelete: "DELETE",
	data.RecordCommit: "COMMIT",
}

// Dump 按文件顺序输出文件头和每一条记录，包括哨兵、提交和被覆盖的记录，
// 用于排查文件内容。指针按文件中的原样输出，不做校验
func (db *DB) Dump(w io.Writer) error {
	return db.view(func(s *snapshot) error {
		h := s.header
		if _, err := fmt.Fprintf(w, "HEADER generation=%d records=%d repack=%d size=%d sequence=%d\n",
			h.Generation, h.NumRecords, h.RepackSize, h.CurrentSize, h.Sequence); err != nil {
			return err
		}
		return db.file.Walk(data.StartOffset, h.CurrentSize, func(rec *data.Record) error {
			var err error
			switch rec.Type {
			case data.RecordCommit:
				_, err = fmt.Fprintf(w, "%08d COMMIT start=%d\n", rec.Offset, rec.Next[0])
			case data.RecordDummy:
				_, err = fmt.Fprintf(w, "%08d DUMMY level=%d next=%v\n", rec.Offset, rec.Level, rec.Next)
			default:
				_, err = fmt.Fprintf(w, "%08d %s level=%d key=%q vallen=%d next=%v\n",
					rec.Offset, recordTypeNames[rec.Type], rec.Level, rec.Key, len(rec.Value), rec.Next)
			}
			return err
		})
	})
}
