package exporter

import (
	"fmt"
	"math"

	"github.com/getcharzp/armornum/internal/exec"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Runner 纯 Go 的参考执行器，按节点顺序执行导出的图，批大小可变
type Runner struct {
	model    *Model
	contract Contract
	ec       exec.Context
	inits    map[string]value
}

type value struct {
	dims []int
	data []float32
}

// NewRunner 检查图中的算子并准备初始化张量
func NewRunner(m *Model, ec exec.Context) (*Runner, error) {
	c, err := m.Contract()
	if err != nil {
		return nil, err
	}
	r := &Runner{model: m, contract: c, ec: ec, inits: make(map[string]value, len(m.Graph.Initializers))}
	for _, t := range m.Graph.Initializers {
		dims := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			dims[i] = int(d)
		}
		r.inits[t.Name] = value{dims: dims, data: t.Data}
	}
	for _, n := range m.Graph.Nodes {
		switch n.OpType {
		case "Conv", "Relu", "MaxPool", "Flatten", "Gemm":
		default:
			return nil, fmt.Errorf("不支持的算子 %s (%s)", n.OpType, n.Name)
		}
	}
	return r, nil
}

// Run 执行图，input 为 batch 个样本按行优先展开，返回 [batch, 输出宽度] 的数据
func (r *Runner) Run(batch int, input []float32) ([]float32, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("批大小必须 > 0")
	}
	dims := make([]int, len(r.contract.InputDims))
	for i, d := range r.contract.InputDims {
		if d.Param != "" {
			dims[i] = batch
		} else {
			dims[i] = int(d.Value)
		}
	}
	if size(dims) != len(input) {
		return nil, fmt.Errorf("输入长度 %d 与形状 %v 不符", len(input), dims)
	}

	values := map[string]value{r.contract.InputName: {dims: dims, data: input}}
	for i := range r.model.Graph.Nodes {
		n := &r.model.Graph.Nodes[i]
		ins := make([]value, len(n.Inputs))
		for j, name := range n.Inputs {
			v, ok := values[name]
			if !ok {
				v, ok = r.inits[name]
			}
			if !ok {
				return nil, fmt.Errorf("节点 %s 的输入 %s 未定义", n.Name, name)
			}
			ins[j] = v
		}
		out, err := r.exec(n, ins)
		if err != nil {
			return nil, fmt.Errorf("执行节点 %s 失败: %w", n.Name, err)
		}
		values[n.Outputs[0]] = out
	}
	out, ok := values[r.contract.OutputName]
	if !ok {
		return nil, fmt.Errorf("图没有产生输出 %s", r.contract.OutputName)
	}
	return out.data, nil
}

func (r *Runner) exec(n *Node, in []value) (value, error) {
	switch n.OpType {
	case "Conv":
		return r.conv(n, in)
	case "Relu":
		out := value{dims: in[0].dims, data: make([]float32, len(in[0].data))}
		for i, v := range in[0].data {
			if v > 0 {
				out.data[i] = v
			}
		}
		return out, nil
	case "MaxPool":
		return maxPool(n, in[0])
	case "Flatten":
		axis := 1
		if a, ok := n.Attr("axis"); ok {
			axis = int(a.I)
		}
		if axis < 0 || axis > len(in[0].dims) {
			return value{}, fmt.Errorf("flatten axis %d 无效", axis)
		}
		return value{dims: []int{size(in[0].dims[:axis]), size(in[0].dims[axis:])}, data: in[0].data}, nil
	case "Gemm":
		return gemm(n, in)
	}
	return value{}, fmt.Errorf("不支持的算子 %s", n.OpType)
}

// window 解析 kernel_shape/strides/pads
func window(n *Node, kh, kw int) (k [2]int, s [2]int, pads [4]int, err error) {
	k = [2]int{kh, kw}
	s = [2]int{1, 1}
	if a, ok := n.Attr("kernel_shape"); ok {
		if len(a.Ints) != 2 {
			return k, s, pads, fmt.Errorf("kernel_shape %v 无效", a.Ints)
		}
		k = [2]int{int(a.Ints[0]), int(a.Ints[1])}
	}
	if a, ok := n.Attr("strides"); ok && len(a.Ints) == 2 {
		s = [2]int{int(a.Ints[0]), int(a.Ints[1])}
	}
	if a, ok := n.Attr("pads"); ok && len(a.Ints) == 4 {
		for i := range pads {
			pads[i] = int(a.Ints[i])
		}
	}
	if a, ok := n.Attr("dilations"); ok {
		for _, d := range a.Ints {
			if d != 1 {
				return k, s, pads, fmt.Errorf("不支持 dilation %v", a.Ints)
			}
		}
	}
	if a, ok := n.Attr("group"); ok && a.I != 1 {
		return k, s, pads, fmt.Errorf("不支持 group %d", a.I)
	}
	if k[0] <= 0 || k[1] <= 0 || s[0] <= 0 || s[1] <= 0 {
		return k, s, pads, fmt.Errorf("窗口参数无效 kernel=%v strides=%v", k, s)
	}
	return k, s, pads, nil
}

func (r *Runner) conv(n *Node, in []value) (value, error) {
	if len(in) < 2 {
		return value{}, fmt.Errorf("conv 缺少权重")
	}
	x, w := in[0], in[1]
	if len(x.dims) != 4 || len(w.dims) != 4 || x.dims[1] != w.dims[1] {
		return value{}, fmt.Errorf("conv 形状不匹配 x=%v w=%v", x.dims, w.dims)
	}
	k, s, pads, err := window(n, w.dims[2], w.dims[3])
	if err != nil {
		return value{}, err
	}
	N, C, H, W := x.dims[0], x.dims[1], x.dims[2], x.dims[3]
	F := w.dims[0]
	OH := (H+pads[0]+pads[2]-k[0])/s[0] + 1
	OW := (W+pads[1]+pads[3]-k[1])/s[1] + 1
	var bias []float32
	if len(in) > 2 {
		bias = in[2].data
	}
	out := value{dims: []int{N, F, OH, OW}, data: make([]float32, N*F*OH*OW)}
	r.ec.ParallelFor(N, func(b int) {
		xs := x.data[b*C*H*W : (b+1)*C*H*W]
		ys := out.data[b*F*OH*OW : (b+1)*F*OH*OW]
		for f := 0; f < F; f++ {
			for oy := 0; oy < OH; oy++ {
				for ox := 0; ox < OW; ox++ {
					var sum float32
					if bias != nil {
						sum = bias[f]
					}
					for c := 0; c < C; c++ {
						for ky := 0; ky < k[0]; ky++ {
							iy := oy*s[0] - pads[0] + ky
							if iy < 0 || iy >= H {
								continue
							}
							for kx := 0; kx < k[1]; kx++ {
								ix := ox*s[1] - pads[1] + kx
								if ix < 0 || ix >= W {
									continue
								}
								sum += xs[(c*H+iy)*W+ix] * w.data[((f*C+c)*k[0]+ky)*k[1]+kx]
							}
						}
					}
					ys[(f*OH+oy)*OW+ox] = sum
				}
			}
		}
	})
	return out, nil
}

func maxPool(n *Node, x value) (value, error) {
	if len(x.dims) != 4 {
		return value{}, fmt.Errorf("maxPool 输入形状 %v 无效", x.dims)
	}
	k, s, pads, err := window(n, 0, 0)
	if err != nil {
		return value{}, err
	}
	N, C, H, W := x.dims[0], x.dims[1], x.dims[2], x.dims[3]
	OH := (H+pads[0]+pads[2]-k[0])/s[0] + 1
	OW := (W+pads[1]+pads[3]-k[1])/s[1] + 1
	out := value{dims: []int{N, C, OH, OW}, data: make([]float32, N*C*OH*OW)}
	o := 0
	for p := 0; p < N*C; p++ {
		plane := x.data[p*H*W : (p+1)*H*W]
		for oy := 0; oy < OH; oy++ {
			for ox := 0; ox < OW; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < k[0]; ky++ {
					iy := oy*s[0] - pads[0] + ky
					if iy < 0 || iy >= H {
						continue
					}
					for kx := 0; kx < k[1]; kx++ {
						ix := ox*s[1] - pads[1] + kx
						if ix >= 0 && ix < W && plane[iy*W+ix] > best {
							best = plane[iy*W+ix]
						}
					}
				}
				out.data[o] = best
				o++
			}
		}
	}
	return out, nil
}

func gemm(n *Node, in []value) (value, error) {
	if len(in) < 2 {
		return value{}, fmt.Errorf("gemm 缺少输入")
	}
	a, b := in[0], in[1]
	if len(a.dims) != 2 || len(b.dims) != 2 {
		return value{}, fmt.Errorf("gemm 需要二维输入 a=%v b=%v", a.dims, b.dims)
	}
	alpha, beta := float32(1), float32(1)
	if at, ok := n.Attr("alpha"); ok {
		alpha = at.F
	}
	if at, ok := n.Attr("beta"); ok {
		beta = at.F
	}
	if at, ok := n.Attr("transA"); ok && at.I != 0 {
		return value{}, fmt.Errorf("不支持 transA")
	}
	tB := blas.NoTrans
	outN := b.dims[1]
	inK := b.dims[0]
	if at, ok := n.Attr("transB"); ok && at.I != 0 {
		tB = blas.Trans
		outN, inK = b.dims[0], b.dims[1]
	}
	M, K := a.dims[0], a.dims[1]
	if K != inK {
		return value{}, fmt.Errorf("gemm 形状不匹配 a=%v b=%v", a.dims, b.dims)
	}
	out := value{dims: []int{M, outN}, data: make([]float32, M*outN)}
	blas32.Gemm(blas.NoTrans, tB, alpha,
		blas32.General{Rows: M, Cols: K, Stride: K, Data: a.data},
		blas32.General{Rows: b.dims[0], Cols: b.dims[1], Stride: b.dims[1], Data: b.data}, 0,
		blas32.General{Rows: M, Cols: outN, Stride: outN, Data: out.data})
	if len(in) > 2 {
		c := in[2].data
		switch len(c) {
		case outN:
			for i := 0; i < M; i++ {
				for j := 0; j < outN; j++ {
					out.data[i*outN+j] += beta * c[j]
				}
			}
		case M * outN:
			for i := range out.data {
				out.data[i] += beta * c[i]
			}
		default:
			return value{}, fmt.Errorf("gemm 偏置长度 %d 无法广播到 [%d %d]", len(c), M, outN)
		}
	}
	return out, nil
}

func size(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
