package nnet

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
)

func randTensor(src rng.Source, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(src.NormFloat64())
	}
	return t
}

// weighted 以固定权重 r 对输出加权求和，梯度就是 r
func weighted(out *Tensor, r []float32) float64 {
	var s float64
	for i, v := range out.Data {
		s += float64(v) * float64(r[i])
	}
	return s
}

func checkGrad(t *testing.T, name string, value, analytic []float32, f func() float64) {
	t.Helper()
	const h = 1e-2
	step := 1
	if len(value) > 40 {
		step = len(value) / 40
	}
	for i := 0; i < len(value); i += step {
		orig := value[i]
		value[i] = orig + h
		lp := f()
		value[i] = orig - h
		lm := f()
		value[i] = orig
		num := (lp - lm) / (2 * h)
		an := float64(analytic[i])
		tol := 2e-2 * math.Max(1, math.Max(math.Abs(num), math.Abs(an)))
		if math.Abs(num-an) > tol {
			t.Fatalf("%s[%d]: numeric %.5f analytic %.5f", name, i, num, an)
		}
	}
}

func checkLayer(t *testing.T, layer Layer, x *Tensor, src rng.Source) {
	t.Helper()
	out := layer.Fprop(x, true)
	r := randTensor(src, out.Shape...).Data
	var params []*Param
	if pl, ok := layer.(ParamLayer); ok {
		params = pl.Params()
	}
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
	dx := layer.Bprop(&Tensor{Shape: out.Shape, Data: r})
	f := func() float64 { return weighted(layer.Fprop(x, true), r) }

	checkGrad(t, "input", x.Data, append([]float32(nil), dx.Data...), f)
	for _, p := range params {
		checkGrad(t, p.Name, p.Value, append([]float32(nil), p.Grad...), f)
	}
}

func TestConvGradient(t *testing.T) {
	src := rng.New(1)
	e := env{ec: exec.Context{Device: exec.CPU, Threads: 2}, src: src}
	l, err := newConv(Conv{Nfeats: 3, Size: 3, Pad: 1}, []int{2, 5, 4}, e)
	if err != nil {
		t.Fatal(err)
	}
	if got := l.OutShape(); !sameShape(got, []int{3, 5, 4}) {
		t.Fatalf("out shape %v", got)
	}
	checkLayer(t, l, randTensor(src, 2, 2, 5, 4), src)
}

func TestBatchNormGradient(t *testing.T) {
	src := rng.New(2)
	l, err := newBatchNorm(BatchNorm{}, []int{3, 2, 2})
	if err != nil {
		t.Fatal(err)
	}
	for i := range l.Gamma.Value {
		l.Gamma.Value[i] = float32(0.5 + src.Float64())
		l.Beta.Value[i] = float32(src.NormFloat64())
	}
	checkLayer(t, l, randTensor(src, 4, 3, 2, 2), src)
}

func TestLinearGradient(t *testing.T) {
	src := rng.New(3)
	l, err := newLinear(Linear{Nout: 5}, []int{7}, env{ec: exec.Default(), src: src})
	if err != nil {
		t.Fatal(err)
	}
	checkLayer(t, l, randTensor(src, 3, 7), src)
}

func TestMaxPoolGradient(t *testing.T) {
	src := rng.New(4)
	l, err := newMaxPool(MaxPool{Size: 2}, []int{2, 4, 6})
	if err != nil {
		t.Fatal(err)
	}
	if got := l.OutShape(); !sameShape(got, []int{2, 2, 3}) {
		t.Fatalf("out shape %v", got)
	}
	x := NewTensor(2, 2, 4, 6)
	for i, j := range src.Perm(len(x.Data)) {
		x.Data[i] = float32(j) // 互不相同，避免并列最大值
	}
	out := l.Fprop(x, true)
	r := randTensor(src, out.Shape...).Data
	dx := l.Bprop(&Tensor{Shape: out.Shape, Data: r})
	var sumIn, sumOut float64
	for _, v := range dx.Data {
		sumIn += float64(v)
	}
	for _, v := range r {
		sumOut += float64(v)
	}
	if math.Abs(sumIn-sumOut) > 1e-4 {
		t.Fatalf("gradient mass not preserved: %f vs %f", sumIn, sumOut)
	}
}

func TestBatchNormRunningStats(t *testing.T) {
	l, err := newBatchNorm(BatchNorm{}, []int{1, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	x := &Tensor{Shape: []int{2, 1, 1, 2}, Data: []float32{1, 2, 3, 4}}
	l.Fprop(x, true)
	// mean 2.5, 无偏方差 5/3
	if math.Abs(l.RunningMean[0]-0.25) > 1e-9 {
		t.Fatalf("running mean = %f", l.RunningMean[0])
	}
	wantVar := 0.9 + 0.1*(5.0/3.0)
	if math.Abs(l.RunningVar[0]-wantVar) > 1e-9 {
		t.Fatalf("running var = %f want %f", l.RunningVar[0], wantVar)
	}
	out := l.Fprop(x, false)
	want := float32((1 - 0.25) / math.Sqrt(wantVar+1e-5))
	if math.Abs(float64(out.Data[0]-want)) > 1e-5 {
		t.Fatalf("eval output %f want %f", out.Data[0], want)
	}
}

func TestDropout(t *testing.T) {
	src := rng.New(5)
	l, err := newDropout(Dropout{Ratio: 0.5}, []int{1000}, env{ec: exec.Default(), src: src})
	if err != nil {
		t.Fatal(err)
	}
	x := NewTensor(1, 1000)
	for i := range x.Data {
		x.Data[i] = 1
	}
	if out := l.Fprop(x, false); out != x {
		t.Fatal("dropout must be identity in evaluation")
	}
	out := l.Fprop(x, true)
	zeros := 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected value %f", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Fatalf("dropped %d of 1000", zeros)
	}
	if _, err := newDropout(Dropout{Ratio: 1}, []int{1}, env{}); err == nil {
		t.Fatal("ratio 1 should be rejected")
	}
}

func TestArmorNetShapes(t *testing.T) {
	net, err := New(exec.Default(), ArmorNet(4), []int{1, 40, 20}, rng.New(6))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if net.NumClasses() != 4 {
		t.Fatalf("classes = %d", net.NumClasses())
	}
	flat := net.Layers[8]
	if _, ok := flat.(*FlattenLayer); !ok {
		t.Fatalf("layer 8 is %T", flat)
	}
	if got := flat.OutShape(); got[0] != 1600 {
		t.Fatalf("flatten size = %d, want 1600", got[0])
	}
	out, err := net.Fprop(NewTensor(3, 1, 40, 20), false)
	if err != nil {
		t.Fatal(err)
	}
	if !sameShape(out.Shape, []int{3, 4}) {
		t.Fatalf("output shape %v", out.Shape)
	}
	if _, err := net.Fprop(NewTensor(1, 1, 20, 40), false); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestOutputWidthFollowsClasses(t *testing.T) {
	for _, k := range []int{2, 7} {
		net, err := New(exec.Default(), ArmorNet(k), []int{1, 40, 20}, rng.New(7))
		if err != nil {
			t.Fatal(err)
		}
		if net.NumClasses() != k {
			t.Fatalf("output width %d, want %d", net.NumClasses(), k)
		}
	}
}

func TestConfigFromJSON(t *testing.T) {
	data, err := json.Marshal(ArmorNet(3))
	if err != nil {
		t.Fatal(err)
	}
	var cfg []LayerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	net, err := New(exec.Default(), cfg, []int{1, 40, 20}, rng.New(8))
	if err != nil {
		t.Fatalf("New from json: %v", err)
	}
	if len(net.Layers) != 13 || net.NumClasses() != 3 {
		t.Fatalf("unexpected network:\n%s", net)
	}
}

func TestInvalidConfigs(t *testing.T) {
	bad := [][]LayerConfig{
		{{Type: "softmax"}},
		{Linear{Nout: 3}.Marshal()},
		{Conv{Nfeats: 4, Size: 3}.Marshal()},
		{Conv{Nfeats: 4, Size: 7}.Marshal(), Flatten{}.Marshal()},
		{Activation{Atype: "tanh"}.Marshal()},
	}
	for i, cfg := range bad {
		if _, err := New(exec.Default(), cfg, []int{1, 4, 4}, rng.New(1)); err == nil {
			t.Fatalf("config %d should fail", i)
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := NewTensor(2, 4)
	loss, grad, _ := CrossEntropy(logits, []int{1, 3})
	if math.Abs(loss-math.Log(4)) > 1e-6 {
		t.Fatalf("loss = %f want ln4", loss)
	}
	for i := 0; i < 2; i++ {
		var s float64
		for _, g := range grad.Sample(i) {
			s += float64(g)
		}
		if math.Abs(s) > 1e-6 {
			t.Fatalf("gradient row %d sums to %f", i, s)
		}
	}
	logits.Data[1] = 5
	_, _, correct := CrossEntropy(logits, []int{1, 3})
	if correct != 1 {
		t.Fatalf("correct = %d", correct)
	}
}

func TestAdamStep(t *testing.T) {
	p := newParam("w", 2)
	p.Value[0], p.Value[1] = 1, -1
	p.Grad[0], p.Grad[1] = 0.5, -3
	opt := NewAdam(0.1)
	opt.Step([]*Param{p})
	// 第一步偏差修正后更新量约等于 lr * sign(g)
	if math.Abs(float64(p.Value[0])-0.9) > 1e-5 || math.Abs(float64(p.Value[1])+0.9) > 1e-5 {
		t.Fatalf("values after step: %v", p.Value)
	}
	if opt.Steps() != 1 {
		t.Fatalf("steps = %d", opt.Steps())
	}
}

type toyData struct {
	x      []float32
	labels []int
}

func newToyData(src rng.Source, n int) *toyData {
	d := &toyData{}
	for i := 0; i < n; i++ {
		label := i % 2
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				v := 0.1 * float32(src.Float64())
				if (x < 4) == (label == 0) {
					v += 0.9
				}
				d.x = append(d.x, v)
			}
		}
		d.labels = append(d.labels, label)
	}
	return d
}

func (d *toyData) Len() int         { return len(d.labels) }
func (d *toyData) Shape() []int     { return []int{1, 8, 8} }
func (d *toyData) NumClasses() int  { return 2 }
func (d *toyData) Input(index []int, buf []float32) {
	for i, ix := range index {
		copy(buf[i*64:(i+1)*64], d.x[ix*64:(ix+1)*64])
	}
}
func (d *toyData) Label(index []int, out []int) {
	for i, ix := range index {
		out[i] = d.labels[ix]
	}
}

func toyNet(t *testing.T, src rng.Source) *Network {
	t.Helper()
	cfg := []LayerConfig{
		Conv{Nfeats: 4, Size: 3, Pad: 1}.Marshal(),
		BatchNorm{}.Marshal(),
		Activation{Atype: "relu"}.Marshal(),
		MaxPool{Size: 2}.Marshal(),
		Flatten{}.Marshal(),
		Linear{Nout: 2}.Marshal(),
	}
	net, err := New(exec.Context{Device: exec.CPU, Threads: 2}, cfg, []int{1, 8, 8}, src)
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func TestTrainReducesLoss(t *testing.T) {
	src := rng.New(9)
	net := toyNet(t, src)
	data := newToyData(src, 32)
	history, err := Train(context.Background(), net, data, TrainConfig{Epochs: 15, BatchSize: 6, LearningRate: 0.01}, src)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(history) != 15 {
		t.Fatalf("history has %d epochs", len(history))
	}
	first, last := history[0], history[len(history)-1]
	if first.Steps != 6 {
		t.Fatalf("steps per epoch = %d, want 6 (last batch short)", first.Steps)
	}
	if last.Loss >= first.Loss {
		t.Fatalf("loss did not decrease: %f -> %f", first.Loss, last.Loss)
	}
	if last.Accuracy < 90 {
		t.Fatalf("final training accuracy %.1f%%", last.Accuracy)
	}

	x := NewTensor(4, 1, 8, 8)
	data.Input([]int{0, 1, 2, 3}, x.Data)
	pred, err := Predict(net, x)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range pred {
		if p != data.labels[i] {
			t.Fatalf("prediction %d = %d, want %d", i, p, data.labels[i])
		}
	}
}

func TestTrainHonorsCancel(t *testing.T) {
	src := rng.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Train(ctx, toyNet(t, src), newToyData(src, 4), TrainConfig{Epochs: 1, BatchSize: 2, LearningRate: 0.01}, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrainRejectsClassMismatch(t *testing.T) {
	src := rng.New(11)
	net, err := New(exec.Default(), ArmorNet(3), []int{1, 8, 8}, src)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Train(context.Background(), net, newToyData(src, 4), TrainConfig{Epochs: 1, BatchSize: 2, LearningRate: 0.01}, src)
	if err == nil {
		t.Fatal("expected class count mismatch")
	}
}
