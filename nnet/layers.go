package nnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BatchNormLayer 按通道归一化，训练时使用批统计量并更新滑动统计量
type BatchNormLayer struct {
	BatchNorm
	shape       []int
	C, S        int // 通道数, 每通道元素数
	Gamma       *Param
	Beta        *Param
	RunningMean []float64
	RunningVar  []float64
	xhat        []float32
	invstd      []float64
	trained     bool
}

func newBatchNorm(c BatchNorm, inShape []int) (*BatchNormLayer, error) {
	if len(inShape) != 3 && len(inShape) != 1 {
		return nil, fmt.Errorf("batchNorm 输入形状无效: %v", inShape)
	}
	if c.Eps <= 0 {
		c.Eps = 1e-5
	}
	if c.Momentum <= 0 {
		c.Momentum = 0.1
	}
	l := &BatchNormLayer{BatchNorm: c, shape: append([]int(nil), inShape...), C: inShape[0], S: Size(inShape[1:])}
	l.Gamma = newParam("gamma", l.C)
	l.Beta = newParam("beta", l.C)
	l.Gamma.fill(1)
	l.RunningMean = make([]float64, l.C)
	l.RunningVar = make([]float64, l.C)
	for i := range l.RunningVar {
		l.RunningVar[i] = 1
	}
	l.invstd = make([]float64, l.C)
	return l, nil
}

func (l *BatchNormLayer) InShape() []int   { return l.shape }
func (l *BatchNormLayer) OutShape() []int  { return l.shape }
func (l *BatchNormLayer) Params() []*Param { return []*Param{l.Gamma, l.Beta} }

func (l *BatchNormLayer) ToString() string {
	return fmt.Sprintf("batchNorm eps=%g momentum=%g %v", l.Eps, l.Momentum, l.shape)
}

func (l *BatchNormLayer) Fprop(in *Tensor, train bool) *Tensor {
	n := in.Batch()
	out := &Tensor{Shape: append([]int(nil), in.Shape...), Data: make([]float32, len(in.Data))}
	if cap(l.xhat) < len(in.Data) {
		l.xhat = make([]float32, len(in.Data))
	}
	l.xhat = l.xhat[:len(in.Data)]
	l.trained = train
	m := float64(n * l.S)
	for c := 0; c < l.C; c++ {
		var mean, variance float64
		if train {
			for i := 0; i < n; i++ {
				for _, v := range l.channel(in.Data, i, c) {
					mean += float64(v)
				}
			}
			mean /= m
			for i := 0; i < n; i++ {
				for _, v := range l.channel(in.Data, i, c) {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= m
			l.RunningMean[c] = (1-l.Momentum)*l.RunningMean[c] + l.Momentum*mean
			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			l.RunningVar[c] = (1-l.Momentum)*l.RunningVar[c] + l.Momentum*unbiased
		} else {
			mean, variance = l.RunningMean[c], l.RunningVar[c]
		}
		inv := 1 / math.Sqrt(variance+l.Eps)
		l.invstd[c] = inv
		g, b := float64(l.Gamma.Value[c]), float64(l.Beta.Value[c])
		for i := 0; i < n; i++ {
			x := l.channel(in.Data, i, c)
			xh := l.channel(l.xhat, i, c)
			y := l.channel(out.Data, i, c)
			for j, v := range x {
				h := (float64(v) - mean) * inv
				xh[j] = float32(h)
				y[j] = float32(g*h + b)
			}
		}
	}
	return out
}

func (l *BatchNormLayer) Bprop(grad *Tensor) *Tensor {
	n := grad.Batch()
	dx := &Tensor{Shape: append([]int(nil), grad.Shape...), Data: make([]float32, len(grad.Data))}
	m := float64(n * l.S)
	for c := 0; c < l.C; c++ {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			dy := l.channel(grad.Data, i, c)
			xh := l.channel(l.xhat, i, c)
			for j, g := range dy {
				sumDy += float64(g)
				sumDyXhat += float64(g) * float64(xh[j])
			}
		}
		l.Gamma.Grad[c] += float32(sumDyXhat)
		l.Beta.Grad[c] += float32(sumDy)
		scale := float64(l.Gamma.Value[c]) * l.invstd[c]
		for i := 0; i < n; i++ {
			dy := l.channel(grad.Data, i, c)
			xh := l.channel(l.xhat, i, c)
			d := l.channel(dx.Data, i, c)
			for j, g := range dy {
				if l.trained {
					d[j] = float32(scale / m * (m*float64(g) - sumDy - float64(xh[j])*sumDyXhat))
				} else {
					d[j] = float32(scale * float64(g))
				}
			}
		}
	}
	return dx
}

// channel 第 i 个样本第 c 个通道的数据
func (l *BatchNormLayer) channel(data []float32, i, c int) []float32 {
	off := (i*l.C + c) * l.S
	return data[off : off+l.S]
}

// MaxPoolLayer 最大池化，记录最大值位置用于反向传播
type MaxPoolLayer struct {
	MaxPool
	C, H, W int
	OH, OW  int
	argmax  []int32
}

func newMaxPool(c MaxPool, inShape []int) (*MaxPoolLayer, error) {
	if len(inShape) != 3 {
		return nil, fmt.Errorf("maxPool 层需要 (C, H, W) 输入, got %v", inShape)
	}
	if c.Size <= 0 {
		return nil, fmt.Errorf("maxPool 参数无效: %+v", c)
	}
	if c.Stride <= 0 {
		c.Stride = c.Size
	}
	l := &MaxPoolLayer{MaxPool: c, C: inShape[0], H: inShape[1], W: inShape[2]}
	l.OH = (l.H-c.Size)/c.Stride + 1
	l.OW = (l.W-c.Size)/c.Stride + 1
	if l.OH <= 0 || l.OW <= 0 {
		return nil, fmt.Errorf("maxPool 输入 %v 小于窗口 %d", inShape, c.Size)
	}
	return l, nil
}

func (l *MaxPoolLayer) InShape() []int  { return []int{l.C, l.H, l.W} }
func (l *MaxPoolLayer) OutShape() []int { return []int{l.C, l.OH, l.OW} }

func (l *MaxPoolLayer) ToString() string {
	return fmt.Sprintf("maxPool %d stride %d %v -> %v", l.Size, l.Stride, l.InShape(), l.OutShape())
}

func (l *MaxPoolLayer) Fprop(in *Tensor, train bool) *Tensor {
	n := in.Batch()
	out := NewTensor(n, l.C, l.OH, l.OW)
	if cap(l.argmax) < len(out.Data) {
		l.argmax = make([]int32, len(out.Data))
	}
	l.argmax = l.argmax[:len(out.Data)]
	inSize := l.C * l.H * l.W
	o := 0
	for i := 0; i < n; i++ {
		x := in.Sample(i)
		for c := 0; c < l.C; c++ {
			for oy := 0; oy < l.OH; oy++ {
				for ox := 0; ox < l.OW; ox++ {
					best := -1
					bestVal := float32(math.Inf(-1))
					for ky := 0; ky < l.Size; ky++ {
						for kx := 0; kx < l.Size; kx++ {
							ix := (c*l.H+oy*l.Stride+ky)*l.W + ox*l.Stride + kx
							if best < 0 || x[ix] > bestVal {
								best, bestVal = ix, x[ix]
							}
						}
					}
					out.Data[o] = bestVal
					l.argmax[o] = int32(i*inSize + best)
					o++
				}
			}
		}
	}
	return out
}

func (l *MaxPoolLayer) Bprop(grad *Tensor) *Tensor {
	dx := NewTensor(grad.Batch(), l.C, l.H, l.W)
	for o, g := range grad.Data {
		dx.Data[l.argmax[o]] += g
	}
	return dx
}

// ReluLayer relu 激活
type ReluLayer struct {
	Activation
	shape []int
	mask  []bool
}

func newActivation(c Activation, inShape []int) (*ReluLayer, error) {
	if c.Atype != "relu" {
		return nil, fmt.Errorf("不支持的激活类型 %q", c.Atype)
	}
	return &ReluLayer{Activation: c, shape: append([]int(nil), inShape...)}, nil
}

func (l *ReluLayer) InShape() []int  { return l.shape }
func (l *ReluLayer) OutShape() []int { return l.shape }
func (l *ReluLayer) ToString() string {
	return fmt.Sprintf("relu %v", l.shape)
}

func (l *ReluLayer) Fprop(in *Tensor, train bool) *Tensor {
	out := &Tensor{Shape: append([]int(nil), in.Shape...), Data: make([]float32, len(in.Data))}
	if cap(l.mask) < len(in.Data) {
		l.mask = make([]bool, len(in.Data))
	}
	l.mask = l.mask[:len(in.Data)]
	for i, v := range in.Data {
		if v > 0 {
			out.Data[i] = v
			l.mask[i] = true
		} else {
			l.mask[i] = false
		}
	}
	return out
}

func (l *ReluLayer) Bprop(grad *Tensor) *Tensor {
	dx := &Tensor{Shape: append([]int(nil), grad.Shape...), Data: make([]float32, len(grad.Data))}
	for i, g := range grad.Data {
		if l.mask[i] {
			dx.Data[i] = g
		}
	}
	return dx
}

// DropoutLayer 训练时随机置零并按 1/(1-Ratio) 放大，评估时恒等
type DropoutLayer struct {
	Dropout
	env
	shape []int
	mask  []float32
	train bool
}

func newDropout(c Dropout, inShape []int, e env) (*DropoutLayer, error) {
	if c.Ratio < 0 || c.Ratio >= 1 {
		return nil, fmt.Errorf("dropout 比例必须在 [0, 1) 内, got %g", c.Ratio)
	}
	return &DropoutLayer{Dropout: c, env: e, shape: append([]int(nil), inShape...)}, nil
}

func (l *DropoutLayer) InShape() []int  { return l.shape }
func (l *DropoutLayer) OutShape() []int { return l.shape }
func (l *DropoutLayer) ToString() string {
	return fmt.Sprintf("dropout %g %v", l.Ratio, l.shape)
}

func (l *DropoutLayer) Fprop(in *Tensor, train bool) *Tensor {
	l.train = train
	if !train || l.Ratio == 0 {
		return in
	}
	out := &Tensor{Shape: append([]int(nil), in.Shape...), Data: make([]float32, len(in.Data))}
	if cap(l.mask) < len(in.Data) {
		l.mask = make([]float32, len(in.Data))
	}
	l.mask = l.mask[:len(in.Data)]
	scale := float32(1 / (1 - l.Ratio))
	for i, v := range in.Data {
		if l.src.Float64() < l.Ratio {
			l.mask[i] = 0
		} else {
			l.mask[i] = scale
		}
		out.Data[i] = v * l.mask[i]
	}
	return out
}

func (l *DropoutLayer) Bprop(grad *Tensor) *Tensor {
	if !l.train || l.Ratio == 0 {
		return grad
	}
	dx := &Tensor{Shape: append([]int(nil), grad.Shape...), Data: make([]float32, len(grad.Data))}
	for i, g := range grad.Data {
		dx.Data[i] = g * l.mask[i]
	}
	return dx
}

// FlattenLayer 展平为一维，不复制数据
type FlattenLayer struct {
	in []int
}

func newFlatten(inShape []int) *FlattenLayer {
	return &FlattenLayer{in: append([]int(nil), inShape...)}
}

func (l *FlattenLayer) InShape() []int  { return l.in }
func (l *FlattenLayer) OutShape() []int { return []int{Size(l.in)} }
func (l *FlattenLayer) ToString() string {
	return fmt.Sprintf("flatten %v -> %v", l.in, l.OutShape())
}

func (l *FlattenLayer) Fprop(in *Tensor, train bool) *Tensor {
	return &Tensor{Shape: []int{in.Batch(), Size(l.in)}, Data: in.Data}
}

func (l *FlattenLayer) Bprop(grad *Tensor) *Tensor {
	return &Tensor{Shape: append([]int{grad.Batch()}, l.in...), Data: grad.Data}
}

// LinearLayer 全连接层, Weight 形状为 (Nout, Nin)
type LinearLayer struct {
	Linear
	Nin    int
	Weight *Param
	Bias   *Param
	input  *Tensor
}

func newLinear(c Linear, inShape []int, e env) (*LinearLayer, error) {
	if len(inShape) != 1 {
		return nil, fmt.Errorf("linear 层需要一维输入, got %v (缺少 flatten?)", inShape)
	}
	if c.Nout <= 0 {
		return nil, fmt.Errorf("linear 输出维度无效: %d", c.Nout)
	}
	l := &LinearLayer{Linear: c, Nin: inShape[0]}
	l.Weight = newParam("weight", c.Nout, l.Nin)
	l.Bias = newParam("bias", c.Nout)
	l.Weight.initUniform(e.src, l.Nin)
	l.Bias.initUniform(e.src, l.Nin)
	return l, nil
}

func (l *LinearLayer) InShape() []int   { return []int{l.Nin} }
func (l *LinearLayer) OutShape() []int  { return []int{l.Nout} }
func (l *LinearLayer) Params() []*Param { return []*Param{l.Weight, l.Bias} }
func (l *LinearLayer) ToString() string {
	return fmt.Sprintf("linear %d -> %d", l.Nin, l.Nout)
}

func (l *LinearLayer) Fprop(in *Tensor, train bool) *Tensor {
	n := in.Batch()
	l.input = in
	out := NewTensor(n, l.Nout)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: l.Nin, Stride: l.Nin, Data: in.Data},
		blas32.General{Rows: l.Nout, Cols: l.Nin, Stride: l.Nin, Data: l.Weight.Value}, 0,
		blas32.General{Rows: n, Cols: l.Nout, Stride: l.Nout, Data: out.Data})
	for i := 0; i < n; i++ {
		row := out.Sample(i)
		for j := range row {
			row[j] += l.Bias.Value[j]
		}
	}
	return out
}

func (l *LinearLayer) Bprop(grad *Tensor) *Tensor {
	n := grad.Batch()
	dy := blas32.General{Rows: n, Cols: l.Nout, Stride: l.Nout, Data: grad.Data}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, dy,
		blas32.General{Rows: n, Cols: l.Nin, Stride: l.Nin, Data: l.input.Data}, 1,
		blas32.General{Rows: l.Nout, Cols: l.Nin, Stride: l.Nin, Data: l.Weight.Grad})
	for i := 0; i < n; i++ {
		for j, g := range grad.Sample(i) {
			l.Bias.Grad[j] += g
		}
	}
	dx := NewTensor(n, l.Nin)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy,
		blas32.General{Rows: l.Nout, Cols: l.Nin, Stride: l.Nin, Data: l.Weight.Value}, 0,
		blas32.General{Rows: n, Cols: l.Nin, Stride: l.Nin, Data: dx.Data})
	return dx
}
