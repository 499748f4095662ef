package data

import (
	"io"
	"os"

	"twoskip-go/fio"
)

// 读取记录时先读的字节数，大多数记录一次就能读完
const readAhead = 256

// DataFile 数据文件
type DataFile struct {
	Path      string
	IoManager fio.IOManager // io 读写管理
}

// OpenDataFile 打开数据文件
func OpenDataFile(path string, ioType fio.FileIOType) (*DataFile, error) {
	ioManager, err := fio.NewIOManager(path, ioType)
	if err != nil {
		return nil, err
	}
	return &DataFile{Path: path, IoManager: ioManager}, nil
}

// ReadHeader 读取并校验文件头
func (df *DataFile) ReadHeader() (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := df.IoManager.Read(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return DecodeHeader(buf[:n])
}

// ReadHeaderFile 通过路径读取文件头。文件被 rename 替换后，
// 已经打开的映射仍然指向旧文件，只有按路径才能读到新的文件头
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return DecodeHeader(buf[:n])
}

// WriteHeader 原地写入文件头
func (df *DataFile) WriteHeader(h *Header) error {
	_, err := df.IoManager.WriteAt(EncodeHeader(h), 0)
	return err
}

// ReadRecord 根据 offset 读取一条完整校验过的记录
func (df *DataFile) ReadRecord(offset int64) (*Record, error) {
	buf, err := df.readRecordBytes(offset)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(buf, offset)
}

// ReadRecordPayload 读取记录但不信任它的指针，恢复时线性扫描使用
func (df *DataFile) ReadRecordPayload(offset int64) (*Record, error) {
	buf, err := df.readRecordBytes(offset)
	if err != nil {
		return nil, err
	}
	return DecodeRecordPayload(buf, offset)
}

// ReadRecordHead 读取记录头部
func (df *DataFile) ReadRecordHead(offset int64) (*RecordHead, error) {
	buf, err := df.readRecordBytes(offset)
	if err != nil {
		return nil, err
	}
	head, err := DecodeRecordHead(buf)
	if err != nil {
		return nil, formatError(offset, err)
	}
	return head, nil
}

// Walk 从 start 开始按文件顺序遍历记录直到 end，fn 返回错误时停止。
// 记录按 ReadRecordPayload 的规则校验
func (df *DataFile) Walk(start, end int64, fn func(*Record) error) error {
	for offset := start; offset < end; {
		rec, err := df.ReadRecordPayload(offset)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		offset += rec.Size()
	}
	return nil
}

func (df *DataFile) WriteAt(buf []byte, offset int64) error {
	_, err := df.IoManager.WriteAt(buf, offset)
	return err
}

func (df *DataFile) Truncate(size int64) error {
	return df.IoManager.Truncate(size)
}

func (df *DataFile) Sync() error {
	return df.IoManager.Sync()
}

func (df *DataFile) Size() (int64, error) {
	return df.IoManager.Size()
}

func (df *DataFile) Close() error {
	return df.IoManager.Close()
}

// Remap 只读映射的文件增长后重新映射，标准文件 IO 无需处理
func (df *DataFile) Remap() error {
	if m, ok := df.IoManager.(*fio.MMap); ok {
		return m.Remap()
	}
	return nil
}

func (df *DataFile) readRecordBytes(offset int64) ([]byte, error) {
	if offset < StartOffset {
		return nil, formatError(offset, ErrInvalidPointer)
	}
	buf := make([]byte, readAhead)
	n, err := df.IoManager.Read(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	size, err := PeekRecordSize(buf)
	if err != nil {
		return nil, formatError(offset, err)
	}
	if int64(len(buf)) >= size {
		return buf[:size], nil
	}

	// 记录比预读的长，先确认文件里确实有这么多字节
	fileSize, err := df.IoManager.Size()
	if err != nil {
		return nil, err
	}
	if offset+size > fileSize {
		return nil, formatError(offset, ErrTruncated)
	}
	full := make([]byte, size)
	n, err = df.IoManager.Read(full, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) < size {
		return nil, formatError(offset, ErrTruncated)
	}
	return full, nil
}
