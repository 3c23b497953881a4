package exporter

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"

	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/labels"
	"github.com/getcharzp/armornum/nnet"
	"github.com/google/uuid"
)

// 元数据键
const (
	MetaClasses = "classes"
	MetaRunID   = "run_id"
)

// Options 导出参数
type Options struct {
	InputName       string
	OutputName      string
	BatchParam      string
	Classes         labels.Map
	RunID           string
	ProducerName    string
	ProducerVersion string
	// Verify 为 true 时，写出前解码模型并与网络评估结果比对
	Verify bool
}

// DefaultOptions 默认导出参数
func DefaultOptions(classes labels.Map) Options {
	return Options{
		InputName:       "input",
		OutputName:      "output",
		BatchParam:      "batch_size",
		Classes:         classes,
		ProducerName:    "armornum",
		ProducerVersion: "1.0",
		Verify:          true,
	}
}

// Export 以评估语义追踪网络并把 ONNX 模型写入 w。
// 追踪输入为 [1, C, H, W] 的随机张量，输出宽度必须等于类别数。
func Export(net *nnet.Network, w io.Writer, opts Options, src rng.Source) (*Model, error) {
	m, trace, want, err := Build(net, opts, src)
	if err != nil {
		return nil, err
	}
	data := m.Marshal()
	if opts.Verify {
		if err := verify(data, net, trace, want); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("写入模型失败: %w", err)
	}
	return m, nil
}

// ExportFile 导出到文件
func ExportFile(net *nnet.Network, path string, opts Options, src rng.Source) (*Model, error) {
	var buf bytes.Buffer
	m, err := Export(net, &buf, opts, src)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("保存模型失败 %s: %w", path, err)
	}
	log.Printf("模型已导出 path=%s classes=%d run_id=%s", path, opts.Classes.Len(), m.Metadata[MetaRunID])
	return m, nil
}

// Build 构造模型，同时返回追踪输入和对应的网络输出
func Build(net *nnet.Network, opts Options, src rng.Source) (*Model, *nnet.Tensor, *nnet.Tensor, error) {
	if opts.InputName == "" || opts.OutputName == "" || opts.BatchParam == "" {
		return nil, nil, nil, fmt.Errorf("输入输出名称和批维度名称不能为空")
	}
	if opts.Classes.Len() != net.NumClasses() {
		return nil, nil, nil, fmt.Errorf("%w: 网络输出宽度 %d 与类别数 %d 不一致", ErrContract, net.NumClasses(), opts.Classes.Len())
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	trace := nnet.NewTensor(append([]int{1}, net.InShape...)...)
	for i := range trace.Data {
		trace.Data[i] = float32(src.NormFloat64())
	}
	want, err := net.Fprop(trace, false)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("追踪网络失败: %w", err)
	}
	if want.SampleSize() != opts.Classes.Len() {
		return nil, nil, nil, fmt.Errorf("%w: 追踪输出宽度 %d", ErrContract, want.SampleSize())
	}

	g, err := buildGraph(net, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	m := &Model{
		IRVersion:       IRVersion,
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		ModelVersion:    1,
		DocString:       "armor plate digit classifier",
		Opset:           []OperatorSet{{Domain: "", Version: OpsetVersion}},
		Graph:           *g,
		Metadata: map[string]string{
			MetaClasses: strings.Join(opts.Classes.Labels(), ","),
			MetaRunID:   opts.RunID,
		},
	}
	return m, trace, want, nil
}

// tracer 逐层生成节点
type tracer struct {
	g    *Graph
	cur  string
	seq  map[string]int
	last bool
	out  string
}

func (t *tracer) name(op string) string {
	t.seq[op]++
	return fmt.Sprintf("%s_%d", op, t.seq[op])
}

func (t *tracer) emit(op string, inputs []string, attrs ...Attribute) {
	name := t.name(op)
	output := name + "_output"
	if t.last {
		output = t.out
	}
	t.g.Nodes = append(t.g.Nodes, Node{
		Name:    name,
		OpType:  op,
		Inputs:  append([]string{t.cur}, inputs...),
		Outputs: []string{output},
		Attrs:   attrs,
	})
	t.cur = output
}

func (t *tracer) initializer(name string, data []float32, dims ...int) string {
	d := make([]int64, len(dims))
	for i, v := range dims {
		d[i] = int64(v)
	}
	t.g.Initializers = append(t.g.Initializers, Tensor{
		Name:     name,
		Dims:     d,
		DataType: DataTypeFloat,
		Data:     data,
	})
	return name
}

func buildGraph(net *nnet.Network, opts Options) (*Graph, error) {
	g := &Graph{Name: "armornet"}
	t := &tracer{g: g, cur: opts.InputName, seq: map[string]int{}, out: opts.OutputName}

	// 最后一个会产生节点的层输出命名为 OutputName
	lastEmit := -1
	for i, layer := range net.Layers {
		switch layer.(type) {
		case *nnet.DropoutLayer, *nnet.BatchNormLayer:
		default:
			lastEmit = i
		}
	}

	for i := 0; i < len(net.Layers); i++ {
		t.last = i == lastEmit
		switch l := net.Layers[i].(type) {
		case *nnet.ConvLayer:
			w, b := foldNext(net.Layers, i, l.Weight.Value, l.Bias.Value, l.C*l.Size*l.Size)
			if w == nil {
				w, b = l.Weight.Value, l.Bias.Value
			}
			prefix := t.name("conv")
			wn := t.initializer(prefix+".weight", w, l.Nfeats, l.C, l.Size, l.Size)
			bn := t.initializer(prefix+".bias", b, l.Nfeats)
			t.emit("Conv", []string{wn, bn},
				intsAttr("dilations", 1, 1),
				intAttr("group", 1),
				intsAttr("kernel_shape", int64(l.Size), int64(l.Size)),
				intsAttr("pads", int64(l.Pad), int64(l.Pad), int64(l.Pad), int64(l.Pad)),
				intsAttr("strides", int64(l.Stride), int64(l.Stride)),
			)
		case *nnet.LinearLayer:
			w, b := foldNext(net.Layers, i, l.Weight.Value, l.Bias.Value, l.Nin)
			if w == nil {
				w, b = l.Weight.Value, l.Bias.Value
			}
			prefix := t.name("fc")
			wn := t.initializer(prefix+".weight", w, l.Nout, l.Nin)
			bn := t.initializer(prefix+".bias", b, l.Nout)
			t.emit("Gemm", []string{wn, bn},
				floatAttr("alpha", 1),
				floatAttr("beta", 1),
				intAttr("transB", 1),
			)
		case *nnet.BatchNormLayer:
			if i == 0 || !foldable(net.Layers[i-1]) {
				return nil, fmt.Errorf("第 %d 层 batchNorm 前面必须是 conv 或 linear", i)
			}
		case *nnet.ReluLayer:
			t.emit("Relu", nil)
		case *nnet.MaxPoolLayer:
			t.emit("MaxPool", nil,
				intsAttr("kernel_shape", int64(l.Size), int64(l.Size)),
				intsAttr("pads", 0, 0, 0, 0),
				intsAttr("strides", int64(l.Stride), int64(l.Stride)),
			)
		case *nnet.FlattenLayer:
			t.emit("Flatten", nil, intAttr("axis", 1))
		case *nnet.DropoutLayer:
			// 评估语义下为恒等
		default:
			return nil, fmt.Errorf("第 %d 层类型 %T 不支持导出", i, l)
		}
	}
	if t.cur != opts.OutputName {
		return nil, fmt.Errorf("网络没有可导出的输出节点")
	}

	batch := Dim{Param: opts.BatchParam}
	in := []Dim{batch}
	for _, d := range net.InShape {
		in = append(in, Dim{Value: int64(d)})
	}
	g.Inputs = []ValueInfo{{Name: opts.InputName, ElemType: DataTypeFloat, Dims: in}}
	g.Outputs = []ValueInfo{{Name: opts.OutputName, ElemType: DataTypeFloat, Dims: []Dim{batch, {Value: int64(net.NumClasses())}}}}
	return g, nil
}

func foldable(l nnet.Layer) bool {
	switch l.(type) {
	case *nnet.ConvLayer, *nnet.LinearLayer:
		return true
	}
	return false
}

// foldNext 若下一层是 batchNorm，用滑动统计量把它折叠进权重和偏置:
// W' = W * γ/sqrt(var+eps), b' = (b-mean) * γ/sqrt(var+eps) + β
// 下一层不是 batchNorm 时返回 nil
func foldNext(layers []nnet.Layer, i int, weight, bias []float32, rowLen int) ([]float32, []float32) {
	if i+1 >= len(layers) {
		return nil, nil
	}
	bn, ok := layers[i+1].(*nnet.BatchNormLayer)
	if !ok {
		return nil, nil
	}
	w := make([]float32, len(weight))
	b := make([]float32, len(bias))
	for c := range bias {
		scale := float64(bn.Gamma.Value[c]) / math.Sqrt(bn.RunningVar[c]+bn.Eps)
		for j := 0; j < rowLen; j++ {
			w[c*rowLen+j] = float32(float64(weight[c*rowLen+j]) * scale)
		}
		b[c] = float32((float64(bias[c])-bn.RunningMean[c])*scale + float64(bn.Beta.Value[c]))
	}
	return w, b
}

// verify 解码刚编码的模型并用参考执行器比对追踪输出
func verify(data []byte, net *nnet.Network, trace, want *nnet.Tensor) error {
	m, err := Unmarshal(data)
	if err != nil {
		return fmt.Errorf("导出校验: 解码失败: %w", err)
	}
	r, err := NewRunner(m, net.Exec())
	if err != nil {
		return fmt.Errorf("导出校验: %w", err)
	}
	got, err := r.Run(trace.Batch(), trace.Data)
	if err != nil {
		return fmt.Errorf("导出校验: %w", err)
	}
	if diff := MaxDiff(got, want.Data); diff > 1e-3 {
		return fmt.Errorf("导出校验: 输出偏差 %g 过大", diff)
	}
	return nil
}

// MaxDiff 逐元素最大相对偏差
func MaxDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]-b[i])) / math.Max(1, math.Abs(float64(b[i])))
		worst = math.Max(worst, d)
	}
	return worst
}
