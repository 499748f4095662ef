package data

import (
	"encoding/binary"
	"hash/crc32"
)

type RecordType = byte

const (
	RecordDummy  RecordType = '=' // 头尾哨兵
	RecordData   RecordType = '+' // 普通数据
	RecordDelete RecordType = '-' // 墓碑值，删除数据时使用
	RecordCommit RecordType = '$' // 提交标记
)

const (
	// MaxLevel 跳表的最大层数，记录的层数取值 [0, MaxLevel)
	MaxLevel = 31

	// type level keyLen valLen
	//  1  +  1  +  2   +  4   = 8
	recordFixedSize = 8
	pointerSize     = 8
	crcSize         = 4
	recordAlign     = 8

	keyLenEscape = 0xFFFF
	valLenEscape = 0xFFFFFFFF

	// DummySize 哨兵记录占用的字节数（层数 MaxLevel-1，无 key/value）
	DummySize = recordFixedSize + pointerSize*MaxLevel + 2*crcSize
	// CommitSize 提交记录占用的字节数
	CommitSize = recordFixedSize + pointerSize + 2*crcSize

	// HeadOffset 头哨兵的位置，紧跟文件头
	HeadOffset = StartOffset
	// TailOffset 尾哨兵的位置，所有层的 "empty" 都指向它
	TailOffset = StartOffset + DummySize
	// FirstRecordOffset 新文件中第一条数据记录的位置
	FirstRecordOffset = TailOffset + DummySize
)

// Record 写入到数据文件的记录。记录只追加写入，之后只有前向指针会被原地改写
//
// 布局:
//
//	type | level | keyLen u16 | valLen u32 | [keyLen u64] | [valLen u64] |
//	next[0..level] u64 | crc head | crc tail | key | value | padding
type Record struct {
	Offset    int64 // 记录在文件中的位置，不参与编码
	Type      RecordType
	Level     uint8
	Key       []byte
	Value     []byte
	Next      []int64 // 每一层的后继记录位置，0 表示没有后继
	RegionCRC uint32  // 仅提交记录使用：所覆盖区间的摘要
}

// RecordPos 记录在文件中的位置信息，重建指针时放在内存索引中
type RecordPos struct {
	Offset int64
	Size   int64
	Level  uint8
	Type   RecordType
}

// RecordHead 记录头部：定长部分、指针和头部校验值
type RecordHead struct {
	Type     RecordType
	Level    uint8
	KeyLen   uint64
	ValLen   uint64
	Next     []int64
	HeadSize int   // 包含头部 crc 在内的长度
	Size     int64 // 整条记录的长度
	Intact   bool  // 头部 crc 是否匹配
}

// NewCommitRecord 构造一条覆盖 [start, offset) 的提交记录
func NewCommitRecord(offset, start int64, digest uint32) *Record {
	return &Record{
		Offset:    offset,
		Type:      RecordCommit,
		Next:      []int64{start},
		RegionCRC: digest,
	}
}

// RecordSize 计算给定长度和层数的记录编码后的长度，总是 8 的倍数
func RecordSize(keyLen, valLen uint64, level uint8) int64 {
	return int64(lengthFieldsSize(keyLen, valLen)) +
		pointerSize*(int64(level)+1) +
		2*crcSize +
		roundUp(int64(keyLen+valLen), recordAlign)
}

// Size 记录编码后的长度
func (r *Record) Size() int64 {
	return RecordSize(uint64(len(r.Key)), uint64(len(r.Value)), r.Level)
}

// Head 取出记录头部，用于原地改写指针
func (r *Record) Head() *RecordHead {
	keyLen, valLen := uint64(len(r.Key)), uint64(len(r.Value))
	return &RecordHead{
		Type:     r.Type,
		Level:    r.Level,
		KeyLen:   keyLen,
		ValLen:   valLen,
		Next:     r.Next,
		HeadSize: headSize(keyLen, valLen, r.Level),
		Size:     r.Size(),
		Intact:   true,
	}
}

// Encode 对记录头部进行编码，返回 [type, crc head] 的字节
func (h *RecordHead) Encode() []byte {
	buf := make([]byte, h.HeadSize)
	n := putLengths(buf, h.Type, h.Level, h.KeyLen, h.ValLen)
	for i := 0; i <= int(h.Level); i++ {
		var next int64
		if i < len(h.Next) {
			next = h.Next[i]
		}
		binary.BigEndian.PutUint64(buf[n:], uint64(next))
		n += pointerSize
	}
	binary.BigEndian.PutUint32(buf[n:], crc32.ChecksumIEEE(buf[:n]))
	return buf
}

// EncodeRecord 对 Record 进行编码，返回字节数组。相同的逻辑内容总是得到相同的字节
func EncodeRecord(r *Record) []byte {
	head := r.Head()
	buf := make([]byte, head.Size)
	n := copy(buf, head.Encode())
	binary.BigEndian.PutUint32(buf[n:], r.tailChecksum())
	n += crcSize
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)
	return buf
}

// PeekRecordSize 只根据定长部分算出整条记录的长度
func PeekRecordSize(buf []byte) (int64, error) {
	typ, level, keyLen, valLen, _, err := parseLengths(buf)
	if err != nil {
		return 0, err
	}
	if typ == RecordCommit && level != 0 {
		return 0, ErrInvalidCommit
	}
	return RecordSize(keyLen, valLen, level), nil
}

// DecodeRecordHead 解码记录头部，buf 至少要包含到头部 crc 为止
func DecodeRecordHead(buf []byte) (*RecordHead, error) {
	typ, level, keyLen, valLen, n, err := parseLengths(buf)
	if err != nil {
		return nil, err
	}
	hs := headSize(keyLen, valLen, level)
	if len(buf) < hs {
		return nil, ErrTruncated
	}
	next := make([]int64, int(level)+1)
	for i := range next {
		next[i] = int64(binary.BigEndian.Uint64(buf[n:]))
		n += pointerSize
	}
	stored := binary.BigEndian.Uint32(buf[n:])
	return &RecordHead{
		Type:     typ,
		Level:    level,
		KeyLen:   keyLen,
		ValLen:   valLen,
		Next:     next,
		HeadSize: hs,
		Size:     RecordSize(keyLen, valLen, level),
		Intact:   stored == crc32.ChecksumIEEE(buf[:n]),
	}, nil
}

// DecodeRecord 从字节数组中解码出完整的记录，头部和尾部校验值都必须匹配
func DecodeRecord(buf []byte, offset int64) (*Record, error) {
	return decodeRecord(buf, offset, true)
}

// DecodeRecordPayload 只校验 key/value 的尾部 crc，指针可能是改写到一半的值，不可信。
// 提交记录的头部从不改写，仍然完整校验
func DecodeRecordPayload(buf []byte, offset int64) (*Record, error) {
	return decodeRecord(buf, offset, false)
}

func decodeRecord(buf []byte, offset int64, verifyHead bool) (*Record, error) {
	head, err := DecodeRecordHead(buf)
	if err != nil {
		return nil, formatError(offset, err)
	}
	if int64(len(buf)) < head.Size {
		return nil, formatError(offset, ErrTruncated)
	}
	if head.Type == RecordCommit && (head.Level != 0 || head.KeyLen != 0 || head.ValLen != 0) {
		return nil, formatError(offset, ErrInvalidCommit)
	}
	if !head.Intact && (verifyHead || head.Type == RecordCommit) {
		return nil, formatError(offset, ErrChecksumMismatch)
	}

	n := head.HeadSize
	tailCRC := binary.BigEndian.Uint32(buf[n:])
	n += crcSize
	// 拷贝出来，避免引用调用方的缓冲区
	key := append([]byte(nil), buf[n:n+int(head.KeyLen)]...)
	n += int(head.KeyLen)
	value := append([]byte(nil), buf[n:n+int(head.ValLen)]...)

	r := &Record{
		Offset: offset,
		Type:   head.Type,
		Level:  head.Level,
		Key:    key,
		Value:  value,
		Next:   head.Next,
	}
	if head.Type == RecordCommit {
		r.RegionCRC = tailCRC
		return r, nil
	}
	if tailCRC != r.tailChecksum() {
		return nil, formatError(offset, ErrChecksumMismatch)
	}
	return r, nil
}

// UpdateDigest 把一条记录不可变的部分（类型、层数、长度和 key/value 的 crc）累加进提交摘要。
// 指针不参与摘要，所以提交之后改写前驱指针不会让摘要失效
func UpdateDigest(digest uint32, r *Record) uint32 {
	var buf [recordFixedSize + 2*8 + crcSize]byte
	n := putLengths(buf[:], r.Type, r.Level, uint64(len(r.Key)), uint64(len(r.Value)))
	binary.BigEndian.PutUint32(buf[n:], r.tailChecksum())
	n += crcSize
	return crc32.Update(digest, crc32.IEEETable, buf[:n])
}

// EncodeRecordPos 对位置信息进行编码
func EncodeRecordPos(pos *RecordPos) []byte {
	buf := make([]byte, 18)
	binary.BigEndian.PutUint64(buf[0:8], uint64(pos.Offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(pos.Size))
	buf[16] = pos.Level
	buf[17] = pos.Type
	return buf
}

// DecodeRecordPos 解码位置信息
func DecodeRecordPos(buf []byte) *RecordPos {
	if len(buf) < 18 {
		return nil
	}
	return &RecordPos{
		Offset: int64(binary.BigEndian.Uint64(buf[0:8])),
		Size:   int64(binary.BigEndian.Uint64(buf[8:16])),
		Level:  buf[16],
		Type:   buf[17],
	}
}

func (r *Record) tailChecksum() uint32 {
	if r.Type == RecordCommit {
		return r.RegionCRC
	}
	crc := crc32.ChecksumIEEE(r.Key)
	return crc32.Update(crc, crc32.IEEETable, r.Value)
}

func putLengths(buf []byte, typ RecordType, level uint8, keyLen, valLen uint64) int {
	buf[0] = typ
	buf[1] = level
	n := recordFixedSize
	if keyLen >= keyLenEscape {
		binary.BigEndian.PutUint16(buf[2:4], keyLenEscape)
		binary.BigEndian.PutUint64(buf[n:], keyLen)
		n += 8
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(keyLen))
	}
	if valLen >= valLenEscape {
		binary.BigEndian.PutUint32(buf[4:8], valLenEscape)
		binary.BigEndian.PutUint64(buf[n:], valLen)
		n += 8
	} else {
		binary.BigEndian.PutUint32(buf[4:8], uint32(valLen))
	}
	return n
}

func parseLengths(buf []byte) (typ RecordType, level uint8, keyLen, valLen uint64, n int, err error) {
	if len(buf) < recordFixedSize {
		return 0, 0, 0, 0, 0, ErrTruncated
	}
	typ, level = buf[0], buf[1]
	switch typ {
	case RecordDummy, RecordData, RecordDelete, RecordCommit:
	default:
		return 0, 0, 0, 0, 0, ErrUnknownKind
	}
	if level >= MaxLevel {
		return 0, 0, 0, 0, 0, ErrInvalidLevel
	}

	n = recordFixedSize
	keyLen = uint64(binary.BigEndian.Uint16(buf[2:4]))
	valLen = uint64(binary.BigEndian.Uint32(buf[4:8]))
	if keyLen == keyLenEscape {
		if len(buf) < n+8 {
			return 0, 0, 0, 0, 0, ErrTruncated
		}
		keyLen = binary.BigEndian.Uint64(buf[n:])
		n += 8
	}
	if valLen == valLenEscape {
		if len(buf) < n+8 {
			return 0, 0, 0, 0, 0, ErrTruncated
		}
		valLen = binary.BigEndian.Uint64(buf[n:])
		n += 8
	}
	// 超过 1<<48 的长度只可能来自损坏的数据
	if keyLen > 1<<48 || valLen > 1<<48 {
		return 0, 0, 0, 0, 0, ErrTruncated
	}
	return typ, level, keyLen, valLen, n, nil
}

func lengthFieldsSize(keyLen, valLen uint64) int {
	n := recordFixedSize
	if keyLen >= keyLenEscape {
		n += 8
	}
	if valLen >= valLenEscape {
		n += 8
	}
	return n
}

func headSize(keyLen, valLen uint64, level uint8) int {
	return lengthFieldsSize(keyLen, valLen) + pointerSize*(int(level)+1) + crcSize
}

func roundUp(n, to int64) int64 {
	if r := n % to; r != 0 {
		return n + to - r
	}
	return n
}
