package nnet

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvLayer 卷积层实现，im2col 之后用 Gemm 计算
type ConvLayer struct {
	Conv
	env
	C, H, W int // 输入
	OH, OW  int // 输出
	Weight  *Param
	Bias    *Param
	cols    [][]float32
	wgrads  [][]float32
}

func newConv(c Conv, inShape []int, e env) (*ConvLayer, error) {
	if len(inShape) != 3 {
		return nil, fmt.Errorf("conv 层需要 (C, H, W) 输入, got %v", inShape)
	}
	if c.Stride <= 0 {
		c.Stride = 1
	}
	if c.Nfeats <= 0 || c.Size <= 0 || c.Pad < 0 {
		return nil, fmt.Errorf("conv 参数无效: %+v", c)
	}
	l := &ConvLayer{Conv: c, env: e, C: inShape[0], H: inShape[1], W: inShape[2]}
	l.OH = (l.H+2*c.Pad-c.Size)/c.Stride + 1
	l.OW = (l.W+2*c.Pad-c.Size)/c.Stride + 1
	if l.OH <= 0 || l.OW <= 0 {
		return nil, fmt.Errorf("conv 输入 %v 小于卷积核 %d", inShape, c.Size)
	}
	fanIn := l.C * c.Size * c.Size
	l.Weight = newParam("weight", c.Nfeats, l.C, c.Size, c.Size)
	l.Bias = newParam("bias", c.Nfeats)
	l.Weight.initUniform(e.src, fanIn)
	l.Bias.initUniform(e.src, fanIn)
	return l, nil
}

func (l *ConvLayer) InShape() []int  { return []int{l.C, l.H, l.W} }
func (l *ConvLayer) OutShape() []int { return []int{l.Nfeats, l.OH, l.OW} }
func (l *ConvLayer) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

func (l *ConvLayer) ToString() string {
	return fmt.Sprintf("conv %dx%d stride %d pad %d %v -> %v", l.Size, l.Size, l.Stride, l.Pad, l.InShape(), l.OutShape())
}

// Fprop 前向传播，缓存每个样本的 im2col 结果供反向使用
func (l *ConvLayer) Fprop(in *Tensor, train bool) *Tensor {
	n := in.Batch()
	l.ensure(n)
	out := NewTensor(n, l.Nfeats, l.OH, l.OW)
	k := l.C * l.Size * l.Size
	p := l.OH * l.OW
	w := blas32.General{Rows: l.Nfeats, Cols: k, Stride: k, Data: l.Weight.Value}
	l.ec.ParallelFor(n, func(i int) {
		col := l.cols[i]
		l.im2col(in.Sample(i), col)
		y := out.Sample(i)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w,
			blas32.General{Rows: k, Cols: p, Stride: p, Data: col}, 0,
			blas32.General{Rows: l.Nfeats, Cols: p, Stride: p, Data: y})
		for f := 0; f < l.Nfeats; f++ {
			b := l.Bias.Value[f]
			row := y[f*p : (f+1)*p]
			for j := range row {
				row[j] += b
			}
		}
	})
	return out
}

// Bprop 反向传播，累加参数梯度并返回输入梯度
func (l *ConvLayer) Bprop(grad *Tensor) *Tensor {
	n := grad.Batch()
	k := l.C * l.Size * l.Size
	p := l.OH * l.OW
	dx := NewTensor(n, l.C, l.H, l.W)
	w := blas32.General{Rows: l.Nfeats, Cols: k, Stride: k, Data: l.Weight.Value}
	l.ec.ParallelFor(n, func(i int) {
		dy := blas32.General{Rows: l.Nfeats, Cols: p, Stride: p, Data: grad.Sample(i)}
		col := blas32.General{Rows: k, Cols: p, Stride: p, Data: l.cols[i]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, dy, col, 0,
			blas32.General{Rows: l.Nfeats, Cols: k, Stride: k, Data: l.wgrads[i]})
		dcol := make([]float32, k*p)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, dy, 0,
			blas32.General{Rows: k, Cols: p, Stride: p, Data: dcol})
		l.col2im(dcol, dx.Sample(i))
	})
	for i := 0; i < n; i++ {
		for j, g := range l.wgrads[i] {
			l.Weight.Grad[j] += g
		}
		dy := grad.Sample(i)
		for f := 0; f < l.Nfeats; f++ {
			var s float32
			for _, g := range dy[f*p : (f+1)*p] {
				s += g
			}
			l.Bias.Grad[f] += s
		}
	}
	return dx
}

func (l *ConvLayer) ensure(n int) {
	k := l.C * l.Size * l.Size
	p := l.OH * l.OW
	for len(l.cols) < n {
		l.cols = append(l.cols, make([]float32, k*p))
		l.wgrads = append(l.wgrads, make([]float32, l.Nfeats*k))
	}
}

// im2col 展开为 (C*K*K) x (OH*OW) 的矩阵，越界位置填 0
func (l *ConvLayer) im2col(x, col []float32) {
	p := l.OH * l.OW
	row := 0
	for c := 0; c < l.C; c++ {
		for ky := 0; ky < l.Size; ky++ {
			for kx := 0; kx < l.Size; kx++ {
				dst := col[row*p : (row+1)*p]
				for oy := 0; oy < l.OH; oy++ {
					iy := oy*l.Stride - l.Pad + ky
					for ox := 0; ox < l.OW; ox++ {
						ix := ox*l.Stride - l.Pad + kx
						if iy < 0 || iy >= l.H || ix < 0 || ix >= l.W {
							dst[oy*l.OW+ox] = 0
						} else {
							dst[oy*l.OW+ox] = x[(c*l.H+iy)*l.W+ix]
						}
					}
				}
				row++
			}
		}
	}
}

// col2im im2col 的伴随运算，重叠位置累加
func (l *ConvLayer) col2im(col, dx []float32) {
	p := l.OH * l.OW
	row := 0
	for c := 0; c < l.C; c++ {
		for ky := 0; ky < l.Size; ky++ {
			for kx := 0; kx < l.Size; kx++ {
				src := col[row*p : (row+1)*p]
				for oy := 0; oy < l.OH; oy++ {
					iy := oy*l.Stride - l.Pad + ky
					if iy < 0 || iy >= l.H {
						continue
					}
					for ox := 0; ox < l.OW; ox++ {
						ix := ox*l.Stride - l.Pad + kx
						if ix < 0 || ix >= l.W {
							continue
						}
						dx[(c*l.H+iy)*l.W+ix] += src[oy*l.OW+ox]
					}
				}
				row++
			}
		}
	}
}
