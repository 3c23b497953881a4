package exec

import (
	"sync/atomic"
	"testing"
)

func TestNewContextAutoResolvesToCPU(t *testing.T) {
	ctx, err := NewContext("auto", 0)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if ctx.Device != CPU {
		t.Fatalf("expected cpu, got %s", ctx.Device)
	}
	if ctx.Threads <= 0 {
		t.Fatalf("expected positive thread count, got %d", ctx.Threads)
	}
}

func TestNewContextRejectsUnknownDevice(t *testing.T) {
	if _, err := NewContext("gpu", 1); err == nil {
		t.Fatal("expected error for gpu")
	}
	if _, err := NewContext("tpu", 1); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestParallelForVisitsEveryIndex(t *testing.T) {
	ctx := Context{Device: CPU, Threads: 4}
	var hits [100]int32
	ctx.ParallelFor(len(hits), func(i int) {
		atomic.AddInt32(&hits[i], 1)
	})
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}
