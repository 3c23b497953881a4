package exporter

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/labels"
	"github.com/getcharzp/armornum/nnet"
)

// trainedNet 构造网络并用几个随机批次推动 batchNorm 的滑动统计量
func trainedNet(t *testing.T, classes labels.Map) *nnet.Network {
	t.Helper()
	src := rng.New(42)
	net, err := nnet.New(exec.Context{Device: exec.CPU, Threads: 2}, nnet.ArmorNet(classes.Len()), []int{1, 40, 20}, src)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		x := nnet.NewTensor(4, 1, 40, 20)
		for j := range x.Data {
			x.Data[j] = float32(src.Float64())
		}
		if _, err := net.Fprop(x, true); err != nil {
			t.Fatal(err)
		}
	}
	return net
}

func testClasses(t *testing.T) labels.Map {
	t.Helper()
	classes, err := labels.New("1", "2", "3")
	if err != nil {
		t.Fatal(err)
	}
	return classes
}

func TestExportContract(t *testing.T) {
	classes := testClasses(t)
	net := trainedNet(t, classes)
	var buf bytes.Buffer
	if _, err := Export(net, &buf, DefaultOptions(classes), rng.New(1)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	m, err := ReadModel(&buf)
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	if m.IRVersion != IRVersion || len(m.Opset) != 1 || m.Opset[0].Version != OpsetVersion {
		t.Fatalf("unexpected header ir=%d opset=%+v", m.IRVersion, m.Opset)
	}
	c, err := m.Contract()
	if err != nil {
		t.Fatal(err)
	}
	if c.InputName != "input" || c.OutputName != "output" {
		t.Fatalf("names %q %q", c.InputName, c.OutputName)
	}
	if c.InputDims[0].Param != "batch_size" || c.OutputDims[0].Param != "batch_size" {
		t.Fatalf("batch dims not symbolic: %+v %+v", c.InputDims, c.OutputDims)
	}
	if err := c.Check(4, 40, 20); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := c.Check(5, 40, 20); !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract for wrong class count, got %v", err)
	}
	if err := c.Check(4, 20, 40); !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract for wrong geometry, got %v", err)
	}
	if got := strings.Join(c.Classes, ","); got != "1,2,3,negative" {
		t.Fatalf("classes metadata %q", got)
	}
	if m.Metadata[MetaRunID] == "" {
		t.Fatal("missing run id")
	}
}

func TestExportNodes(t *testing.T) {
	classes := testClasses(t)
	m, _, _, err := Build(trainedNet(t, classes), DefaultOptions(classes), rng.New(1))
	if err != nil {
		t.Fatal(err)
	}
	var ops []string
	for _, n := range m.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	want := "Conv Relu MaxPool Conv Relu MaxPool Flatten Gemm Relu Gemm"
	if got := strings.Join(ops, " "); got != want {
		t.Fatalf("ops = %s", got)
	}
	last := m.Graph.Nodes[len(m.Graph.Nodes)-1]
	if last.Outputs[0] != "output" {
		t.Fatalf("last node output %q", last.Outputs[0])
	}
	if len(m.Graph.Initializers) != 8 {
		t.Fatalf("initializers = %d", len(m.Graph.Initializers))
	}
}

func TestRunnerMatchesNetwork(t *testing.T) {
	classes := testClasses(t)
	net := trainedNet(t, classes)
	path := filepath.Join(t.TempDir(), "model.onnx")
	if _, err := ExportFile(net, path, DefaultOptions(classes), rng.New(2)); err != nil {
		t.Fatalf("ExportFile: %v", err)
	}
	m, err := ReadModelFile(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRunner(m, exec.Default())
	if err != nil {
		t.Fatal(err)
	}

	src := rng.New(3)
	for _, batch := range []int{1, 3} {
		x := nnet.NewTensor(batch, 1, 40, 20)
		for i := range x.Data {
			x.Data[i] = float32(src.Float64())
		}
		want, err := net.Fprop(x, false)
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.Run(batch, x.Data)
		if err != nil {
			t.Fatalf("Run batch %d: %v", batch, err)
		}
		if len(got) != batch*4 {
			t.Fatalf("batch %d output length %d", batch, len(got))
		}
		if d := MaxDiff(got, want.Data); d > 1e-3 {
			t.Fatalf("batch %d deviates by %g", batch, d)
		}
	}
	if _, err := r.Run(2, make([]float32, 10)); err == nil {
		t.Fatal("expected input length error")
	}
}

func TestRepeatedExportIsConsistent(t *testing.T) {
	classes := testClasses(t)
	net := trainedNet(t, classes)
	zeros := make([]float32, 40*20)
	ones := make([]float32, 40*20)
	for i := range ones {
		ones[i] = 1
	}
	var outputs [][]float32
	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		if _, err := Export(net, &buf, DefaultOptions(classes), rng.New(int64(i+1))); err != nil {
			t.Fatal(err)
		}
		m, err := ReadModel(&buf)
		if err != nil {
			t.Fatal(err)
		}
		r, err := NewRunner(m, exec.Default())
		if err != nil {
			t.Fatal(err)
		}
		out, err := r.Run(2, append(append([]float32(nil), zeros...), ones...))
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, out)
	}
	if d := MaxDiff(outputs[0], outputs[1]); d != 0 {
		t.Fatalf("exports differ by %g", d)
	}
}

func TestExportRejectsClassMismatch(t *testing.T) {
	classes := testClasses(t)
	net := trainedNet(t, classes)
	other, _ := labels.New("1", "2")
	var buf bytes.Buffer
	_, err := Export(net, &buf, DefaultOptions(other), rng.New(1))
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("nothing should be written on failure")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestContractRequiresSingleInput(t *testing.T) {
	m := &Model{Graph: Graph{
		Inputs:  []ValueInfo{{Name: "a"}, {Name: "b"}},
		Outputs: []ValueInfo{{Name: "out"}},
	}}
	if _, err := m.Contract(); !errors.Is(err, ErrContract) {
		t.Fatalf("expected ErrContract, got %v", err)
	}
}
