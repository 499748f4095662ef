package twoskip_go

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"

	"twoskip-go/data"
	"twoskip-go/fio"
)

const (
	lockFileSuffix    = ".lock"
	repackFileSuffix  = ".repack"
	rebuildFileSuffix = ".rebuild"

	// 只读打开时遇到和写入者并发导致的校验失败，最多重试的次数
	readerRetries = 4
)

// DB 单文件跳表存储引擎实例
type DB struct {
	options    Options
	mu         *sync.RWMutex
	file       *data.DataFile
	header     *data.Header // 写入者在内存中维护的文件头，只读打开时只用于记录打开时的状态
	generation uint64       // 只读打开时看到的 generation，变化说明文件被替换了
	fileLock   *flock.Flock
	logger     *slog.Logger
	broken     bool // 改写指针时出错，需要重新打开恢复
	closed     bool
}

// Stat 存储引擎统计信息
type Stat struct {
	KeyNum          uint64 // key 的总数量
	ReclaimableSize int64  // 可以进行 repack 回收的数据量，字节为单位
	DiskSize        int64  // 数据文件所占磁盘空间大小
	Generation      uint64
	Sequence        uint64
}

// Open 打开存储引擎实例。写方式打开时会加文件锁，并在需要时恢复文件
func Open(options Options) (*DB, error) {
	// 对用户传入的配置项进行校验
	if err := checkOptions(options); err != nil {
		return nil, err
	}

	db := &DB{
		options: options,
		mu:      new(sync.RWMutex),
		logger:  options.logger().With("path", options.Path),
	}
	var err error
	if options.ReadOnly {
		err = db.openReader()
	} else {
		err = db.openWriter()
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) openReader() error {
	var header *data.Header
	var err error
	for i := 0; i < readerRetries; i++ {
		if header, err = data.ReadHeaderFile(db.options.Path); err == nil || !data.IsFormatError(err) {
			break
		}
	}
	if err != nil {
		return err
	}
	file, err := data.OpenDataFile(db.options.Path, fio.MemoryMap)
	if err != nil {
		return err
	}
	db.file = file
	db.header = header
	db.generation = header.Generation
	db.logger.Debug("database opened read only", "generation", header.Generation)
	return nil
}

// Put 写入KV数据
func (db *DB) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	return db.update(func(t *txn) error {
		return t.apply(data.RecordData, key, value)
	})
}

// Get 根据key拿到v
func (db *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	var value []byte
	err := db.view(func(s *snapshot) error {
		loc, err := find(s, key)
		if err != nil {
			return err
		}
		if loc.match == nil || loc.match.Type == data.RecordDelete {
			return ErrKeyNotFound
		}
		value = loc.match.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete 根据 key 删除对应的数据，追加一条墓碑记录
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	return db.update(func(t *txn) error {
		return t.apply(data.RecordDelete, key, nil)
	})
}

// ListKeys 获取数据库中所有的 key
func (db *DB) ListKeys() ([][]byte, error) {
	var keys [][]byte
	err := db.Fold(func(key []byte, value []byte) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Fold 按 key 的顺序遍历所有数据，函数返回 false 时终止遍历
func (db *DB) Fold(fn func(key []byte, value []byte) bool) error {
	it := db.NewIterator(DefaultIteratorOptions)
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}

// Stat 返回数据库的相关统计信息
func (db *DB) Stat() (*Stat, error) {
	var stat *Stat
	err := db.view(func(s *snapshot) error {
		size, err := db.file.Size()
		if err != nil {
			return err
		}
		stat = &Stat{
			KeyNum:          s.header.NumRecords,
			ReclaimableSize: s.header.RepackSize,
			DiskSize:        size,
			Generation:      s.header.Generation,
			Sequence:        s.header.Sequence,
		}
		return nil
	})
	return stat, err
}

// Sync 持久化数据文件和文件头
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}
	if err := db.file.WriteHeader(db.header); err != nil {
		return err
	}
	return db.file.Sync()
}

// Close 关闭数据库，写入者会持久化文件头并释放文件锁
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if !db.options.ReadOnly && !db.broken {
		if err := db.file.WriteHeader(db.header); err != nil {
			errs = append(errs, err)
		} else if err := db.file.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.fileLock != nil {
		if err := db.fileLock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// 在写锁保护下执行一次写操作，fn 出错时什么都不会写入
func (db *DB) update(fn func(t *txn) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.writable(); err != nil {
		return err
	}
	t := db.newTxn()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

// 在读锁保护下执行一次读操作。只读打开时每次都重新读取文件头，
// 读到写入者正在改写的字节导致校验失败时重试
func (db *DB) view(fn func(s *snapshot) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	if !db.options.ReadOnly {
		if db.broken {
			return ErrNeedsRecovery
		}
		return fn(db.newSnapshot(db.header))
	}

	var err error
	for i := 0; i < readerRetries; i++ {
		var header *data.Header
		if header, err = db.refreshHeader(); err == nil {
			err = fn(db.newSnapshot(header))
		}
		if err == nil || !data.IsFormatError(err) {
			return err
		}
		// 指针可能已经指向映射范围之外的新记录
		if errors.Is(err, data.ErrTruncated) {
			if rerr := db.file.Remap(); rerr != nil {
				return rerr
			}
		}
	}
	return err
}

// 只读打开时按路径重新读取文件头，文件增长了就重新映射
func (db *DB) refreshHeader() (*data.Header, error) {
	header, err := data.ReadHeaderFile(db.options.Path)
	if err != nil {
		return nil, err
	}
	if header.Generation != db.generation {
		return nil, ErrGenerationMismatch
	}
	size, err := db.file.Size()
	if err != nil {
		return nil, err
	}
	if header.CurrentSize > size {
		if err := db.file.Remap(); err != nil {
			return nil, err
		}
	}
	return header, nil
}

func (db *DB) writable() error {
	if db.closed {
		return ErrClosed
	}
	if db.options.ReadOnly {
		return ErrReadOnly
	}
	if db.broken {
		return ErrNeedsRecovery
	}
	return nil
}
