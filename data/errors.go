package data

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFileSize  = errors.New("invalid file size")
	ErrInvalidMagic     = errors.New("invalid header magic")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrHeaderCorrupt    = errors.New("header checksum mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTruncated        = errors.New("truncated record")
	ErrUnknownKind      = errors.New("unknown record kind")
	ErrInvalidLevel     = errors.New("invalid level")
	ErrInvalidCommit    = errors.New("invalid commit record")
	ErrInvalidPointer   = errors.New("invalid record pointer")
	ErrOutOfOrder       = errors.New("keys out of order")
)

// FormatError 文件中的字节无法通过校验，Offset 为出错记录（或文件头）的位置
type FormatError struct {
	Offset int64
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error at offset %d: %v", e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsFormatError 判断 err 是否由损坏的磁盘数据引起
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

func formatError(offset int64, err error) error {
	return &FormatError{Offset: offset, Err: err}
}
