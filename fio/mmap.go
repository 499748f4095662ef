package fio

import (
	"io"
	"sync"

	"golang.org/x/exp/mmap"
)

// MMap 只读内存映射。映射长度在打开时固定，写入者追加数据后需要 Remap
type MMap struct {
	mu       sync.RWMutex
	path     string
	readerAt *mmap.ReaderAt
}

// NewMMapIOManager 初始化 MMap IO，文件必须已经存在
func NewMMapIOManager(fileName string) (*MMap, error) {
	readerAt, err := mmap.Open(fileName)
	if err != nil {
		return nil, err
	}
	return &MMap{path: fileName, readerAt: readerAt}, nil
}

func (m *MMap) Read(b []byte, offset int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset >= int64(m.readerAt.Len()) {
		return 0, io.EOF
	}
	return m.readerAt.ReadAt(b, offset)
}

// Remap 重新映射文件，使映射覆盖文件当前的长度
func (m *MMap) Remap() error {
	readerAt, err := mmap.Open(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	old := m.readerAt
	m.readerAt = readerAt
	m.mu.Unlock()
	return old.Close()
}

func (m *MMap) Write([]byte) (int, error) {
	return 0, ErrReadOnly
}

func (m *MMap) WriteAt([]byte, int64) (int, error) {
	return 0, ErrReadOnly
}

func (m *MMap) Truncate(int64) error {
	return ErrReadOnly
}

func (m *MMap) Sync() error {
	return nil
}

func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readerAt.Close()
}

func (m *MMap) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.readerAt.Len()), nil
}
