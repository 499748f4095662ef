package data

import "math/bits"

// LevelFor 根据记录的序号确定它在跳表中的层数：序号末尾连续 1 的个数，最多 MaxLevel-1。
// 一半的记录层数 >= 1，四分之一 >= 2，和随机跳表的分布一致，但同样的写入顺序总得到同样的层数
func LevelFor(seq uint64) uint8 {
	level := bits.TrailingZeros64(^seq)
	if level > MaxLevel-1 {
		level = MaxLevel - 1
	}
	return uint8(level)
}
