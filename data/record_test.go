package data

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSize(t *testing.T) {
	assert.Equal(t, int64(264), int64(DummySize))
	assert.Equal(t, int64(24), int64(CommitSize))
	assert.Equal(t, int64(584), int64(TailOffset))
	assert.Equal(t, int64(848), int64(FirstRecordOffset))

	assert.Equal(t, int64(32), RecordSize(1, 1, 0))
	assert.Equal(t, int64(40), RecordSize(1, 1, 1))
	assert.Equal(t, int64(48), RecordSize(1, 1, 2))
	assert.Equal(t, int64(24), RecordSize(0, 0, 0))
	assert.Equal(t, int64(32), RecordSize(4, 4, 0))
	assert.Equal(t, int64(40), RecordSize(4, 5, 0))

	// 超过 16 位的 key 长度需要额外的 8 字节
	assert.Equal(t, int64(8+8+8+8)+roundUp(0xFFFF, 8), RecordSize(0xFFFF, 0, 0))
	assert.Equal(t, int64(8+8+8+8)+roundUp(0xFFFFFFFF, 8), RecordSize(0, 0xFFFFFFFF, 0))

	for level := uint8(0); level < MaxLevel; level++ {
		assert.Zero(t, RecordSize(3, 10, level)%8)
	}
}

func TestEncodeRecord_RoundTrip(t *testing.T) {
	records := []*Record{
		{Type: RecordData, Level: 0, Key: []byte("a"), Value: []byte("1"), Next: []int64{TailOffset}},
		{Type: RecordData, Level: 2, Key: []byte("key"), Value: []byte("value!"), Next: []int64{1000, 2000, TailOffset}},
		{Type: RecordDelete, Level: 1, Key: []byte("gone"), Next: []int64{TailOffset, TailOffset}},
		{Type: RecordDummy, Level: MaxLevel - 1, Next: make([]int64, MaxLevel)},
		NewCommitRecord(0, 848, 0xdeadbeef),
		{Type: RecordData, Level: 0, Key: bytes.Repeat([]byte("k"), 70000), Value: []byte("big"), Next: []int64{TailOffset}},
	}
	for _, rec := range records {
		rec.Offset = 4096
		buf := EncodeRecord(rec)
		assert.Equal(t, rec.Size(), int64(len(buf)))
		assert.Zero(t, len(buf)%8)

		size, err := PeekRecordSize(buf)
		assert.Nil(t, err)
		assert.Equal(t, rec.Size(), size)

		decoded, err := DecodeRecord(buf, 4096)
		require.Nil(t, err)
		assert.Equal(t, rec, decoded)

		// 相同的内容总是得到相同的字节
		assert.Equal(t, buf, EncodeRecord(decoded))
	}
}

func TestEncodeRecord_Layout(t *testing.T) {
	rec := &Record{Type: RecordData, Level: 1, Key: []byte("ab"), Value: []byte("xyz"), Next: []int64{0x0102, 0x0304}}
	buf := EncodeRecord(rec)
	assert.Equal(t, 40, len(buf))
	assert.Equal(t, []byte{'+', 1, 0, 2, 0, 0, 0, 3}, buf[:8])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x01, 0x02}, buf[8:16])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x03, 0x04}, buf[16:24])
	assert.Equal(t, []byte("abxyz"), buf[32:37])
	assert.Equal(t, []byte{0, 0, 0}, buf[37:40])
}

func TestDecodeRecord_Corruption(t *testing.T) {
	rec := &Record{Type: RecordData, Level: 2, Key: []byte("key"), Value: []byte("value!"), Next: []int64{1000, 2000, TailOffset}}
	buf := EncodeRecord(rec)
	covered := len(buf) - 7 // 末尾 7 字节是填充

	for i := 0; i < covered; i++ {
		corrupted := append([]byte(nil), buf...)
		corrupted[i] ^= 0xFF
		_, err := DecodeRecord(corrupted, StartOffset)
		require.Error(t, err, "byte %d", i)
		assert.True(t, IsFormatError(err))
		if i >= 8 {
			assert.ErrorIs(t, err, ErrChecksumMismatch, "byte %d", i)
		}
	}
}

func TestDecodeRecord_Errors(t *testing.T) {
	rec := &Record{Type: RecordData, Level: 0, Key: []byte("a"), Value: []byte("1"), Next: []int64{TailOffset}}
	buf := EncodeRecord(rec)

	_, err := DecodeRecord(buf[:5], 900)
	assert.ErrorIs(t, err, ErrTruncated)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(900), fe.Offset)

	_, err = DecodeRecord(buf[:len(buf)-1], 900)
	assert.ErrorIs(t, err, ErrTruncated)

	unknown := append([]byte(nil), buf...)
	unknown[0] = 'x'
	_, err = DecodeRecord(unknown, 900)
	assert.ErrorIs(t, err, ErrUnknownKind)

	level := append([]byte(nil), buf...)
	level[1] = MaxLevel
	_, err = DecodeRecord(level, 900)
	assert.ErrorIs(t, err, ErrInvalidLevel)

	commit := EncodeRecord(NewCommitRecord(0, 848, 1))
	commit[1] = 1
	_, err = PeekRecordSize(commit)
	assert.ErrorIs(t, err, ErrInvalidCommit)
}

func TestDecodeRecordPayload(t *testing.T) {
	rec := &Record{Type: RecordData, Level: 1, Key: []byte("a"), Value: []byte("1"), Next: []int64{1000, 2000}}
	buf := EncodeRecord(rec)

	// 改写到一半的指针不影响 key/value
	torn := append([]byte(nil), buf...)
	torn[15] ^= 0x01
	_, err := DecodeRecord(torn, 848)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	decoded, err := DecodeRecordPayload(torn, 848)
	require.Nil(t, err)
	assert.Equal(t, rec.Key, decoded.Key)
	assert.Equal(t, rec.Value, decoded.Value)
	assert.Equal(t, int64(1000^0x01), decoded.Next[0])

	// value 被破坏仍然会发现
	torn[len(buf)-7] ^= 0xFF
	_, err = DecodeRecordPayload(torn, 848)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// 提交记录的头部从不改写，必须完整校验
	commit := EncodeRecord(NewCommitRecord(0, 848, 1))
	commit[15] ^= 0x01
	_, err = DecodeRecordPayload(commit, 848)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeRecordHead(t *testing.T) {
	rec := &Record{Type: RecordData, Level: 2, Key: []byte("key"), Value: []byte("value"), Next: []int64{1000, 2000, 3000}}
	buf := EncodeRecord(rec)
	head := rec.Head()

	decoded, err := DecodeRecordHead(buf[:head.HeadSize])
	require.Nil(t, err)
	assert.True(t, decoded.Intact)
	assert.Equal(t, head, decoded)
	assert.Equal(t, buf[:head.HeadSize], decoded.Encode())

	_, err = DecodeRecordHead(buf[:head.HeadSize-1])
	assert.ErrorIs(t, err, ErrTruncated)

	// 改写指针之后头部 crc 跟着变，尾部不变
	head.Next = []int64{1000, 2500, 3000}
	rewritten := append(head.Encode(), buf[head.HeadSize:]...)
	got, err := DecodeRecord(rewritten, 848)
	require.Nil(t, err)
	assert.Equal(t, []int64{1000, 2500, 3000}, got.Next)

	rewritten[10] ^= 0xFF
	torn, err := DecodeRecordHead(rewritten)
	require.Nil(t, err)
	assert.False(t, torn.Intact)
}

func TestUpdateDigest(t *testing.T) {
	a := &Record{Type: RecordData, Level: 1, Key: []byte("a"), Value: []byte("1"), Next: []int64{1000, 2000}}
	b := &Record{Type: RecordData, Level: 1, Key: []byte("a"), Value: []byte("1"), Next: []int64{3000, 4000}}
	c := &Record{Type: RecordData, Level: 1, Key: []byte("a"), Value: []byte("2"), Next: []int64{1000, 2000}}
	d := &Record{Type: RecordDelete, Level: 1, Key: []byte("a"), Value: []byte("1"), Next: []int64{1000, 2000}}

	// 指针不参与摘要
	assert.Equal(t, UpdateDigest(0, a), UpdateDigest(0, b))
	assert.NotEqual(t, UpdateDigest(0, a), UpdateDigest(0, c))
	assert.NotEqual(t, UpdateDigest(0, a), UpdateDigest(0, d))

	// 顺序相关
	assert.NotEqual(t, UpdateDigest(UpdateDigest(0, a), c), UpdateDigest(UpdateDigest(0, c), a))
}

func TestRecordPos(t *testing.T) {
	pos := &RecordPos{Offset: 123456, Size: 48, Level: 3, Type: RecordDelete}
	assert.Equal(t, pos, DecodeRecordPos(EncodeRecordPos(pos)))
	assert.Nil(t, DecodeRecordPos([]byte{1, 2, 3}))
}
