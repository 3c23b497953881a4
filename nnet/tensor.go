package nnet

import "fmt"

// Tensor 按批次存放的稠密张量，Shape[0] 为批大小，其余维度按行优先展开
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor 创建全零张量
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Size(shape))}
}

// Batch 批大小
func (t *Tensor) Batch() int { return t.Shape[0] }

// SampleSize 单个样本的元素个数
func (t *Tensor) SampleSize() int { return Size(t.Shape[1:]) }

// Sample 第 i 个样本的数据切片，与 t.Data 共享内存
func (t *Tensor) Sample(i int) []float32 {
	n := t.SampleSize()
	return t.Data[i*n : (i+1)*n]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}

// Size 形状对应的元素个数
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
