package probe_test

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/armornum"
	"github.com/getcharzp/armornum/exporter"
	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/internal/util"
	"github.com/getcharzp/armornum/labels"
	"github.com/getcharzp/armornum/nnet"
	"github.com/getcharzp/armornum/probe"
	"github.com/getcharzp/armornum/synth"
)

func TestDecide(t *testing.T) {
	classes := []string{"1", "2", "negative"}

	r := probe.Decide([]float32{0, 10, 0}, classes, probe.MinConfidence)
	if r.Label != "2" || r.Index != 1 || r.Rejected {
		t.Fatalf("unexpected result %+v", r)
	}

	r = probe.Decide([]float32{1, 1.1, 1}, classes, probe.MinConfidence)
	if !r.Rejected {
		t.Fatalf("low confidence should be rejected: %+v", r)
	}

	r = probe.Decide([]float32{0, 0, 10}, classes, probe.MinConfidence)
	if r.Label != labels.Negative || !r.Rejected {
		t.Fatalf("negative should be rejected: %+v", r)
	}
}

func libraryPath(t *testing.T) string {
	t.Helper()
	path := armornum.DefaultLibraryPath()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("onnxruntime 库不存在: %s", path)
	}
	return path
}

func TestEngineMatchesReferenceRunner(t *testing.T) {
	lib := libraryPath(t)

	classes, err := labels.New("1", "2", "3")
	if err != nil {
		t.Fatal(err)
	}
	src := rng.New(7)
	net, err := nnet.New(exec.Default(), nnet.ArmorNet(classes.Len()), []int{1, synth.Height, synth.Width}, src)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.onnx")
	classesPath := filepath.Join(dir, "classes.txt")
	m, err := exporter.ExportFile(net, modelPath, exporter.DefaultOptions(classes), src)
	if err != nil {
		t.Fatal(err)
	}
	if err := util.SaveDict(classesPath, classes.Labels()); err != nil {
		t.Fatal(err)
	}

	engine, err := probe.NewEngine(probe.Config{
		ModelPath:          modelPath,
		ClassesPath:        classesPath,
		OnnxRuntimeLibPath: lib,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Destroy()

	s, err := synth.New(synth.DefaultOptions(), src)
	if err != nil {
		t.Fatal(err)
	}
	var imgs []image.Image
	var input []float32
	for _, label := range []string{"1", "3", labels.Negative} {
		img, err := s.Sample(label)
		if err != nil {
			t.Fatal(err)
		}
		imgs = append(imgs, img)
		for _, p := range img.Pix {
			input = append(input, float32(p)/255)
		}
	}

	got, err := engine.Scores(imgs)
	if err != nil {
		t.Fatalf("Scores: %v", err)
	}
	r, err := exporter.NewRunner(m, exec.Default())
	if err != nil {
		t.Fatal(err)
	}
	want, err := r.Run(len(imgs), input)
	if err != nil {
		t.Fatal(err)
	}
	if d := exporter.MaxDiff(got, want); d > 1e-3 {
		t.Fatalf("onnxruntime deviates from reference by %g", d)
	}

	res, err := engine.Classify(imgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Index < 0 || res.Index >= classes.Len() {
		t.Fatalf("index out of range: %+v", res)
	}
}
