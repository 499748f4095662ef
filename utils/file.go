package utils

import (
	"os"
	"path/filepath"
)

// SyncDir 持久化文件所在目录，rename 之后调用，保证目录项落盘
func SyncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// FileExists 判断文件是否存在并且非空
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}
