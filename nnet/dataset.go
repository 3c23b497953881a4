package nnet

import "github.com/getcharzp/armornum/internal/rng"

// Data 训练数据接口，dataset.Samples 实现了它
type Data interface {
	Len() int
	Shape() []int
	NumClasses() int
	Input(index []int, buf []float32)
	Label(index []int, out []int)
}

// Batcher 按打乱后的顺序切分小批次，最后一批可以不满
type Batcher struct {
	data  Data
	size  int
	perm  []int
	pos   int
	shape []int
}

// NewBatcher 创建批次迭代器
func NewBatcher(data Data, size int) *Batcher {
	if size <= 0 {
		size = 1
	}
	perm := make([]int, data.Len())
	for i := range perm {
		perm[i] = i
	}
	return &Batcher{data: data, size: size, perm: perm, shape: data.Shape()}
}

// Shuffle 打乱样本顺序并回到开头
func (b *Batcher) Shuffle(src rng.Source) {
	src.Shuffle(len(b.perm), func(i, j int) {
		b.perm[i], b.perm[j] = b.perm[j], b.perm[i]
	})
	b.pos = 0
}

// Batches 每个 epoch 的批次数
func (b *Batcher) Batches() int {
	return (len(b.perm) + b.size - 1) / b.size
}

// Next 返回下一批输入和标签，全部取完后 ok 为 false
func (b *Batcher) Next() (x *Tensor, y []int, ok bool) {
	if b.pos >= len(b.perm) {
		return nil, nil, false
	}
	end := b.pos + b.size
	if end > len(b.perm) {
		end = len(b.perm)
	}
	index := b.perm[b.pos:end]
	b.pos = end

	x = NewTensor(append([]int{len(index)}, b.shape...)...)
	b.data.Input(index, x.Data)
	y = make([]int, len(index))
	b.data.Label(index, y)
	return x, y, true
}
