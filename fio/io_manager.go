package fio

import "errors"

// DataFilePerm 数据文件的权限
const DataFilePerm = 0644

type FileIOType = byte

const (
	// StandardFIO 标准文件 IO，写入者使用
	StandardFIO FileIOType = iota

	// MemoryMap 只读内存映射，读者使用
	MemoryMap
)

var ErrReadOnly = errors.New("fio: memory map is read only")

// IOManager 抽象 IO 管理接口，可以接入不同的 IO 类型
type IOManager interface {
	// Read 从文件的给定位置读取对应的数据
	Read([]byte, int64) (int, error)

	// Write 在当前位置写入字节数组到文件中
	Write([]byte) (int, error)

	// WriteAt 在给定位置写入字节数组
	WriteAt([]byte, int64) (int, error)

	// Truncate 把文件截断到给定长度
	Truncate(int64) error

	// Sync 持久化数据
	Sync() error

	// Close 关闭文件
	Close() error

	// Size 获取到文件大小
	Size() (int64, error)
}

// NewIOManager 初始化 IOManager，目前支持标准 FileIO 和只读 MMap
func NewIOManager(fileName string, ioType FileIOType) (IOManager, error) {
	switch ioType {
	case StandardFIO:
		return NewFileIOManager(fileName)
	case MemoryMap:
		return NewMMapIOManager(fileName)
	default:
		panic("unsupported io type")
	}
}
