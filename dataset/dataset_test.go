package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/labels"
	"github.com/getcharzp/armornum/synth"
)

func buildSmall(t *testing.T, root string, count int, seed int64) labels.Map {
	t.Helper()
	classes, err := labels.New("1", "2", "3")
	if err != nil {
		t.Fatalf("labels.New: %v", err)
	}
	b := &Builder{
		Root:    root,
		Classes: classes,
		Count:   count,
		Options: synth.DefaultOptions(),
		Exec:    exec.Context{Device: exec.CPU, Threads: 2},
	}
	summary, err := b.Build(context.Background(), rng.New(seed))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if summary.Total != count*classes.Len() {
		t.Fatalf("summary total = %d", summary.Total)
	}
	return classes
}

func TestBuilderWritesEqualPartitions(t *testing.T) {
	root := t.TempDir()
	classes := buildSmall(t, root, 6, 1)
	for _, label := range classes.Labels() {
		entries, err := os.ReadDir(filepath.Join(root, label))
		if err != nil {
			t.Fatalf("ReadDir %s: %v", label, err)
		}
		if len(entries) != 6 {
			t.Fatalf("class %s has %d files, want 6", label, len(entries))
		}
		for i := 0; i < 6; i++ {
			if _, err := os.Stat(SamplePath(root, label, i)); err != nil {
				t.Fatalf("missing sample %s/%d: %v", label, i, err)
			}
		}
	}
}

func TestBuilderIsReproducibleWhenSeeded(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	buildSmall(t, rootA, 3, 99)
	buildSmall(t, rootB, 3, 99)
	for _, label := range []string{"1", "negative"} {
		a, err := os.ReadFile(SamplePath(rootA, label, 2))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(SamplePath(rootB, label, 2))
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Fatalf("class %s differs between seeded runs", label)
		}
	}
}

func TestBuilderRejectsZeroCount(t *testing.T) {
	classes, _ := labels.New("1")
	b := &Builder{Root: t.TempDir(), Classes: classes, Options: synth.DefaultOptions()}
	if _, err := b.Build(context.Background(), rng.New(1)); err == nil {
		t.Fatal("expected error for zero count")
	}
}

func TestLoadReadsEveryPartition(t *testing.T) {
	root := t.TempDir()
	classes := buildSmall(t, root, 4, 2)
	// 未配置的目录会被忽略
	if err := os.MkdirAll(filepath.Join(root, "9"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := Load(root, classes, synth.Height, synth.Width)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 16 {
		t.Fatalf("loaded %d samples, want 16", s.Len())
	}
	for label, n := range s.CountByClass() {
		if n != 4 {
			t.Fatalf("class %s has %d samples", label, n)
		}
	}
	if len(s.Pix) != 16*synth.Height*synth.Width {
		t.Fatalf("pixel buffer has %d values", len(s.Pix))
	}
	for _, v := range s.Pix {
		if v < 0 || v > 1 {
			t.Fatalf("pixel not normalized: %f", v)
		}
	}
	// 标签下标来自映射: negative 排在最后
	if s.Labels[len(s.Labels)-1] != 3 {
		t.Fatalf("last label = %d, want 3", s.Labels[len(s.Labels)-1])
	}
}

func TestLoadMissingRootFailsFast(t *testing.T) {
	classes, _ := labels.New("1")
	_, err := Load(filepath.Join(t.TempDir(), "nope"), classes, synth.Height, synth.Width)
	if !errors.Is(err, ErrMissingRoot) {
		t.Fatalf("expected ErrMissingRoot, got %v", err)
	}
}

func TestLoadMissingClassDir(t *testing.T) {
	root := t.TempDir()
	buildSmall(t, root, 2, 3)
	classes, _ := labels.New("1", "2", "3", "4")
	if _, err := Load(root, classes, synth.Height, synth.Width); err == nil {
		t.Fatal("expected error for missing class directory")
	}
}

func TestInputAndLabelCopy(t *testing.T) {
	classes, _ := labels.New("1")
	s := &Samples{Height: 1, Width: 2, Pix: []float32{0, 1, 2, 3, 4, 5}, Labels: []int{0, 1, 0}, Classes: classes}
	buf := make([]float32, 4)
	s.Input([]int{2, 0}, buf)
	want := []float32{4, 5, 0, 1}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v want %v", buf, want)
		}
	}
	out := make([]int, 2)
	s.Label([]int{1, 2}, out)
	if out[0] != 1 || out[1] != 0 {
		t.Fatalf("labels = %v", out)
	}
}
