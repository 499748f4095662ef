package data

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// HeaderMagic 文件头的魔数
var HeaderMagic = [20]byte{
	0xa1, 0x02, 0x8b, 0x0d,
	's', 'k', 'i', 'p', 'f', 'i', 'l', 'e',
	0, 0, 0, 0, 0, 0, 0, 0,
}

const (
	HeaderVersion = 1

	offsetMagic       = 0
	offsetVersion     = 20
	offsetGeneration  = 24
	offsetNumRecords  = 32
	offsetRepackSize  = 40
	offsetCurrentSize = 48
	offsetSequence    = 56
	offsetFlags       = 64
	offsetRoots       = 68
	offsetCRC         = offsetRoots + pointerSize*MaxLevel

	// HeaderSize 文件头的长度
	HeaderSize = offsetCRC + crcSize
	// StartOffset 第一条记录的位置
	StartOffset = HeaderSize
)

// Header 文件头，由持有写锁的进程维护，读者每次操作前重新读取
type Header struct {
	Version     uint32
	Generation  uint64 // 每次以写方式打开或 repack 替换文件时递增
	NumRecords  uint64 // 存活的 key 数量
	RepackSize  int64  // repack 可以回收的字节数
	CurrentSize int64  // 逻辑文件长度，之后的字节不属于任何已完成的提交
	Sequence    uint64 // 文件生命周期内追加的数据/删除记录数
	Flags       uint32
	Roots       [MaxLevel]int64 // 每一层第一条记录的位置，等于头哨兵的指针
}

// NewHeader 返回一个空文件的文件头：头尾哨兵加一条初始提交
func NewHeader() *Header {
	h := &Header{
		Version:     HeaderVersion,
		RepackSize:  CommitSize,
		CurrentSize: FirstRecordOffset + CommitSize,
	}
	for i := range h.Roots {
		h.Roots[i] = TailOffset
	}
	return h
}

// EncodeHeader 对文件头进行编码
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offsetMagic:], HeaderMagic[:])
	binary.BigEndian.PutUint32(buf[offsetVersion:], h.Version)
	binary.BigEndian.PutUint64(buf[offsetGeneration:], h.Generation)
	binary.BigEndian.PutUint64(buf[offsetNumRecords:], h.NumRecords)
	binary.BigEndian.PutUint64(buf[offsetRepackSize:], uint64(h.RepackSize))
	binary.BigEndian.PutUint64(buf[offsetCurrentSize:], uint64(h.CurrentSize))
	binary.BigEndian.PutUint64(buf[offsetSequence:], h.Sequence)
	binary.BigEndian.PutUint32(buf[offsetFlags:], h.Flags)
	for i, root := range h.Roots {
		binary.BigEndian.PutUint64(buf[offsetRoots+i*pointerSize:], uint64(root))
	}
	binary.BigEndian.PutUint32(buf[offsetCRC:], crc32.ChecksumIEEE(buf[:offsetCRC]))
	return buf
}

// DecodeHeader 解码文件头。校验值不匹配时文件里的任何记录都不可信
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, formatError(0, ErrInvalidFileSize)
	}
	if !bytes.Equal(buf[offsetMagic:offsetMagic+len(HeaderMagic)], HeaderMagic[:]) {
		return nil, formatError(0, ErrInvalidMagic)
	}
	if binary.BigEndian.Uint32(buf[offsetCRC:]) != crc32.ChecksumIEEE(buf[:offsetCRC]) {
		return nil, formatError(0, ErrHeaderCorrupt)
	}

	h := &Header{
		Version:     binary.BigEndian.Uint32(buf[offsetVersion:]),
		Generation:  binary.BigEndian.Uint64(buf[offsetGeneration:]),
		NumRecords:  binary.BigEndian.Uint64(buf[offsetNumRecords:]),
		RepackSize:  int64(binary.BigEndian.Uint64(buf[offsetRepackSize:])),
		CurrentSize: int64(binary.BigEndian.Uint64(buf[offsetCurrentSize:])),
		Sequence:    binary.BigEndian.Uint64(buf[offsetSequence:]),
		Flags:       binary.BigEndian.Uint32(buf[offsetFlags:]),
	}
	if h.Version != HeaderVersion {
		return nil, formatError(0, ErrVersionMismatch)
	}
	if h.CurrentSize < FirstRecordOffset+CommitSize {
		return nil, formatError(0, ErrInvalidFileSize)
	}
	for i := range h.Roots {
		root := int64(binary.BigEndian.Uint64(buf[offsetRoots+i*pointerSize:]))
		if root < TailOffset {
			return nil, formatError(0, ErrInvalidPointer)
		}
		h.Roots[i] = root
	}
	return h, nil
}
