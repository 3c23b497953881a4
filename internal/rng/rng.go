// Package rng 提供可注入、可播种的随机源，所有随机抽样都经过这里。
package rng

import (
	"math/rand"
	"time"
)

// Source 随机源
type Source interface {
	Intn(n int) int
	Int63() int64
	Float64() float64
	NormFloat64() float64
	Perm(n int) []int
	Shuffle(n int, swap func(i, j int))
}

// New 根据种子创建随机源，seed <= 0 时使用当前时间
func New(seed int64) Source {
	return rand.New(rand.NewSource(Resolve(seed)))
}

// Resolve 返回实际使用的种子
func Resolve(seed int64) int64 {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return seed
}

// Split 从父随机源派生一个独立的子随机源
func Split(src Source) Source {
	return rand.New(rand.NewSource(src.Int63()))
}

// Uniform 返回 [lo, hi) 内的均匀分布浮点数
func Uniform(src Source, lo, hi float64) float64 {
	return lo + src.Float64()*(hi-lo)
}

// Choice 从候选值中均匀选取一个
func Choice(src Source, values []int) int {
	return values[src.Intn(len(values))]
}
