package twoskip_go

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twoskip-go/data"
	"twoskip-go/utils"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions
	opts.Path = filepath.Join(t.TempDir(), "twoskip.db")
	return opts
}

func readOnly(opts Options) Options {
	opts.ReadOnly = true
	return opts
}

func openTestDB(t *testing.T, opts Options) *DB {
	db, err := Open(opts)
	require.Nil(t, err)
	require.NotNil(t, db)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func readFile(t *testing.T, path string) []byte {
	buf, err := os.ReadFile(path)
	require.Nil(t, err)
	return buf
}

func TestOpen(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)

	// 新文件：文件头、头尾哨兵和一条初始提交
	buf := readFile(t, opts.Path)
	assert.Equal(t, data.FirstRecordOffset+data.CommitSize, len(buf))

	stat, err := db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), stat.KeyNum)
	assert.Equal(t, uint64(1), stat.Generation)
	assert.Equal(t, uint64(0), stat.Sequence)
	assert.Equal(t, int64(data.CommitSize), stat.ReclaimableSize)
	assert.Equal(t, int64(len(buf)), stat.DiskSize)
	assert.Nil(t, db.Check())
}

func TestOpen_Options(t *testing.T) {
	opts := testOptions(t)
	opts.Path = ""
	_, err := Open(opts)
	assert.Equal(t, ErrPathIsEmpty, err)

	opts = testOptions(t)
	opts.IndexType = 9
	_, err = Open(opts)
	assert.Equal(t, ErrInvalidIndexType, err)

	// 父目录不存在时自动创建
	opts = testOptions(t)
	opts.Path = filepath.Join(t.TempDir(), "a", "b", "twoskip.db")
	db := openTestDB(t, opts)
	assert.Nil(t, db.Put([]byte("key"), []byte("value")))
}

func TestOpen_Generation(t *testing.T) {
	opts := testOptions(t)
	for i := 1; i <= 3; i++ {
		db, err := Open(opts)
		require.Nil(t, err)
		stat, err := db.Stat()
		assert.Nil(t, err)
		assert.Equal(t, uint64(i), stat.Generation)
		assert.Nil(t, db.Close())
	}
}

func TestOpen_FileLock(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.Nil(t, err)

	_, err = Open(opts)
	assert.Equal(t, ErrDatabaseIsUsing, err)

	// 只读打开不需要锁
	reader, err := Open(readOnly(opts))
	assert.Nil(t, err)
	assert.Nil(t, reader.Close())

	assert.Nil(t, db.Close())
	db2, err := Open(opts)
	assert.Nil(t, err)
	assert.Nil(t, db2.Close())
}

func TestDB_Scenario(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)

	assert.Nil(t, db.Put([]byte("a"), []byte("1")))
	assert.Nil(t, db.Put([]byte("b"), []byte("2")))
	assert.Nil(t, db.Put([]byte("c"), []byte("3")))

	// 序号 1,2,3 对应的层数是 1,0,2
	a, err := db.file.ReadRecord(872)
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), a.Key)
	assert.Equal(t, uint8(1), a.Level)
	assert.Equal(t, []int64{936, 992}, a.Next)
	b, err := db.file.ReadRecord(936)
	require.Nil(t, err)
	assert.Equal(t, []byte("b"), b.Key)
	assert.Equal(t, uint8(0), b.Level)
	assert.Equal(t, []int64{992}, b.Next)
	c, err := db.file.ReadRecord(992)
	require.Nil(t, err)
	assert.Equal(t, []byte("c"), c.Key)
	assert.Equal(t, uint8(2), c.Level)
	assert.Equal(t, []int64{data.TailOffset, data.TailOffset, data.TailOffset}, c.Next)

	assert.Equal(t, int64(872), db.header.Roots[0])
	assert.Equal(t, int64(872), db.header.Roots[1])
	assert.Equal(t, int64(992), db.header.Roots[2])
	assert.Equal(t, int64(data.TailOffset), db.header.Roots[3])

	stat, err := db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), stat.KeyNum)
	assert.Equal(t, uint64(3), stat.Sequence)
	assert.Equal(t, int64(1064), stat.DiskSize)
	assert.Equal(t, int64(4*data.CommitSize), stat.ReclaimableSize)

	assert.Equal(t, [][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}, collect(t, db))

	assert.Nil(t, db.Delete([]byte("b")))
	assert.Equal(t, [][]string{{"a", "1"}, {"c", "3"}}, collect(t, db))
	_, err = db.Get([]byte("b"))
	assert.Equal(t, ErrKeyNotFound, err)

	stat, err = db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), stat.KeyNum)
	assert.Equal(t, int64(1120), stat.DiskSize)
	// 5 条提交 + 被覆盖的 b + 墓碑
	assert.Equal(t, int64(5*data.CommitSize+32+32), stat.ReclaimableSize)
	assert.Nil(t, db.Check())

	assert.Nil(t, db.Repack())
	assert.Equal(t, [][]string{{"a", "1"}, {"c", "3"}}, collect(t, db))
	stat, err = db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, int64(944), stat.DiskSize)
	assert.Equal(t, uint64(2), stat.Generation)
	assert.Equal(t, uint64(2), stat.Sequence)
	assert.Equal(t, int64(data.CommitSize), stat.ReclaimableSize)
	assert.Equal(t, int64(944), int64(len(readFile(t, opts.Path))))
	assert.Nil(t, db.Check())
}

func collect(t *testing.T, db *DB) [][]string {
	var kvs [][]string
	err := db.Fold(func(key []byte, value []byte) bool {
		kvs = append(kvs, []string{string(key), string(value)})
		return true
	})
	require.Nil(t, err)
	return kvs
}

func TestDB_Put(t *testing.T) {
	db := openTestDB(t, testOptions(t))

	// 1.正常 Put 一条数据
	err := db.Put(utils.GetTestKey(1), utils.RandomValue(24))
	assert.Nil(t, err)
	val1, err := db.Get(utils.GetTestKey(1))
	assert.Nil(t, err)
	assert.NotNil(t, val1)

	// 2.重复 Put key 相同的数据
	err = db.Put(utils.GetTestKey(1), []byte("new value"))
	assert.Nil(t, err)
	val2, err := db.Get(utils.GetTestKey(1))
	assert.Nil(t, err)
	assert.Equal(t, []byte("new value"), val2)

	// 3.key 为空
	err = db.Put(nil, utils.RandomValue(24))
	assert.Equal(t, ErrKeyIsEmpty, err)

	// 4.value 为空，不是删除
	err = db.Put(utils.GetTestKey(22), nil)
	assert.Nil(t, err)
	val3, err := db.Get(utils.GetTestKey(22))
	assert.Nil(t, err)
	assert.Empty(t, val3)

	// 5.写入大的 value
	big := utils.RandomValue(100 * 1024)
	assert.Nil(t, db.Put(utils.GetTestKey(3), big))
	val4, err := db.Get(utils.GetTestKey(3))
	assert.Nil(t, err)
	assert.Equal(t, big, val4)

	stat, err := db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), stat.KeyNum)
	assert.Nil(t, db.Check())
}

func TestDB_Get(t *testing.T) {
	db := openTestDB(t, testOptions(t))

	// 1.正常读取一条数据
	err := db.Put(utils.GetTestKey(11), utils.RandomValue(24))
	assert.Nil(t, err)
	val1, err := db.Get(utils.GetTestKey(11))
	assert.Nil(t, err)
	assert.NotNil(t, val1)

	// 2.读取一个不存在的 key
	val2, err := db.Get([]byte("some key unknown"))
	assert.Nil(t, val2)
	assert.Equal(t, ErrKeyNotFound, err)

	// 3.值被删除后再 Get
	err = db.Put(utils.GetTestKey(33), utils.RandomValue(24))
	assert.Nil(t, err)
	err = db.Delete(utils.GetTestKey(33))
	assert.Nil(t, err)
	val3, err := db.Get(utils.GetTestKey(33))
	assert.Equal(t, 0, len(val3))
	assert.Equal(t, ErrKeyNotFound, err)

	// 4.删除后重新写入
	assert.Nil(t, db.Put(utils.GetTestKey(33), []byte("again")))
	val4, err := db.Get(utils.GetTestKey(33))
	assert.Nil(t, err)
	assert.Equal(t, []byte("again"), val4)

	// 5.key 为空
	_, err = db.Get(nil)
	assert.Equal(t, ErrKeyIsEmpty, err)
}

func TestDB_Delete(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)

	// 1.删除一个不存在的 key，不写入任何数据
	size := len(readFile(t, opts.Path))
	err := db.Delete([]byte("unknown key"))
	assert.Equal(t, ErrKeyNotFound, err)
	assert.Equal(t, size, len(readFile(t, opts.Path)))

	// 2.正常删除
	err = db.Put(utils.GetTestKey(11), utils.RandomValue(128))
	assert.Nil(t, err)
	err = db.Delete(utils.GetTestKey(11))
	assert.Nil(t, err)
	_, err = db.Get(utils.GetTestKey(11))
	assert.Equal(t, ErrKeyNotFound, err)

	// 3.重复删除
	size = len(readFile(t, opts.Path))
	err = db.Delete(utils.GetTestKey(11))
	assert.Equal(t, ErrKeyNotFound, err)
	assert.Equal(t, size, len(readFile(t, opts.Path)))

	// 4.key 为空
	err = db.Delete(nil)
	assert.Equal(t, ErrKeyIsEmpty, err)

	stat, err := db.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), stat.KeyNum)
	assert.Nil(t, db.Check())
}

func TestDB_Reopen(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.Nil(t, err)

	for i := 0; i < 200; i++ {
		assert.Nil(t, db.Put(utils.GetTestKey(i), utils.RandomValue(16)))
	}
	for i := 0; i < 200; i += 3 {
		assert.Nil(t, db.Delete(utils.GetTestKey(i)))
	}
	want := collect(t, db)
	assert.Nil(t, db.Close())

	db2 := openTestDB(t, opts)
	assert.Equal(t, want, collect(t, db2))
	assert.Nil(t, db2.Check())
	stat, err := db2.Stat()
	assert.Nil(t, err)
	assert.Equal(t, uint64(len(want)), stat.KeyNum)
}

func TestDB_Determinism(t *testing.T) {
	run := func() []byte {
		opts := testOptions(t)
		db, err := Open(opts)
		require.Nil(t, err)
		for i := 0; i < 100; i++ {
			assert.Nil(t, db.Put(utils.GetTestKey((i*37)%100), []byte("value")))
		}
		for i := 0; i < 100; i += 7 {
			assert.Nil(t, db.Delete(utils.GetTestKey(i)))
		}
		for i := 0; i < 100; i += 5 {
			assert.Nil(t, db.Put(utils.GetTestKey(i), []byte("updated")))
		}
		assert.Nil(t, db.Close())
		return readFile(t, opts.Path)
	}
	assert.Equal(t, run(), run())
}

func TestDB_Model(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)

	model := make(map[string]string)
	for i := 0; i < 1000; i++ {
		key := utils.GetTestKey((i * 7919) % 150)
		switch {
		case i%5 == 0:
			err := db.Delete(key)
			if _, ok := model[string(key)]; ok {
				assert.Nil(t, err)
				delete(model, string(key))
			} else {
				assert.Equal(t, ErrKeyNotFound, err)
			}
		default:
			value := utils.RandomValue(i % 40)
			assert.Nil(t, db.Put(key, value))
			model[string(key)] = string(value)
		}
	}
	assert.Nil(t, db.Check())

	check := func() {
		kvs := collect(t, db)
		assert.Equal(t, len(model), len(kvs))
		for _, kv := range kvs {
			assert.Equal(t, model[kv[0]], kv[1])
		}
		for key, value := range model {
			got, err := db.Get([]byte(key))
			assert.Nil(t, err)
			assert.Equal(t, value, string(got))
		}
		stat, err := db.Stat()
		assert.Nil(t, err)
		assert.Equal(t, uint64(len(model)), stat.KeyNum)
	}
	check()
	assert.Nil(t, db.Repack())
	assert.Nil(t, db.Check())
	check()
}

func TestDB_ListKeys(t *testing.T) {
	db := openTestDB(t, testOptions(t))

	// 数据库为空
	keys1, err := db.ListKeys()
	assert.Nil(t, err)
	assert.Equal(t, 0, len(keys1))

	// 多条数据，按 key 的顺序返回
	assert.Nil(t, db.Put(utils.GetTestKey(33), utils.RandomValue(20)))
	assert.Nil(t, db.Put(utils.GetTestKey(11), utils.RandomValue(20)))
	assert.Nil(t, db.Put(utils.GetTestKey(22), utils.RandomValue(20)))
	keys2, err := db.ListKeys()
	assert.Nil(t, err)
	assert.Equal(t, [][]byte{utils.GetTestKey(11), utils.GetTestKey(22), utils.GetTestKey(33)}, keys2)
}

func TestDB_Fold(t *testing.T) {
	db := openTestDB(t, testOptions(t))
	for i := 0; i < 10; i++ {
		assert.Nil(t, db.Put(utils.GetTestKey(i), utils.RandomValue(20)))
	}

	var n int
	err := db.Fold(func(key []byte, value []byte) bool {
		n++
		// 遍历过程中可以读写
		_, err := db.Get(key)
		assert.Nil(t, err)
		return n < 5
	})
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
}

func TestDB_Close(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.Nil(t, err)
	assert.Nil(t, db.Put([]byte("key"), []byte("value")))
	assert.Nil(t, db.Sync())
	assert.Nil(t, db.Close())
	assert.Nil(t, db.Close())

	_, err = db.Get([]byte("key"))
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, db.Put([]byte("key"), []byte("value")))
	assert.Equal(t, ErrClosed, db.Repack())
	assert.Equal(t, ErrClosed, db.Sync())
}

func TestDB_NoSyncWrites(t *testing.T) {
	opts := testOptions(t)
	opts.SyncWrites = false
	db, err := Open(opts)
	require.Nil(t, err)
	for i := 0; i < 50; i++ {
		assert.Nil(t, db.Put(utils.GetTestKey(i), utils.RandomValue(10)))
	}
	assert.Nil(t, db.Close())

	db2 := openTestDB(t, opts)
	keys, err := db2.ListKeys()
	assert.Nil(t, err)
	assert.Equal(t, 50, len(keys))
}

func TestDB_CleanOpenAfterAcknowledgedWrite(t *testing.T) {
	opts := testOptions(t)
	db := openTestDB(t, opts)
	for i := 0; i < 10; i++ {
		require.Nil(t, db.Put(utils.GetTestKey(i), utils.RandomValue(16)))
	}
	require.Nil(t, db.Delete(utils.GetTestKey(3)))

	// 写操作返回之后进程崩溃，不调用 Close
	image := readFile(t, opts.Path)
	header, err := data.DecodeHeader(image)
	require.Nil(t, err)
	assert.Equal(t, int64(len(image)), header.CurrentSize)
	assert.Equal(t, db.header.Sequence, header.Sequence)

	var logs bytes.Buffer
	opts2 := testOptions(t)
	require.Nil(t, os.WriteFile(opts2.Path, image, 0644))
	opts2.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	db2 := openTestDB(t, opts2)
	assert.NotContains(t, logs.String(), "recovering database")
	assert.Contains(t, logs.String(), "database opened")
	keys, err := db2.ListKeys()
	assert.Nil(t, err)
	assert.Equal(t, 9, len(keys))
	assert.Nil(t, db2.Check())
}
