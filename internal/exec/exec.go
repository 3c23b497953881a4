// Package exec 描述数值计算使用的执行环境，启动时确定一次并传给所有计算组件。
package exec

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Device 计算设备
type Device string

const (
	Auto Device = "auto"
	CPU  Device = "cpu"
	GPU  Device = "gpu"
)

// Context 执行环境
type Context struct {
	Device  Device
	Threads int
	CPUName string
	SIMD    string
}

// NewContext 解析设备与线程数
// 当前构建没有加速后端，auto 回落到 cpu，显式请求 gpu 会返回错误。
func NewContext(device string, threads int) (Context, error) {
	dev := Device(strings.ToLower(strings.TrimSpace(device)))
	switch dev {
	case "", Auto, CPU:
		dev = CPU
	case GPU:
		return Context{}, fmt.Errorf("设备 %q 不可用: 未编译加速后端", device)
	default:
		return Context{}, fmt.Errorf("未知设备 %q", device)
	}
	if threads <= 0 {
		threads = cpuid.CPU.LogicalCores
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
	}
	return Context{
		Device:  dev,
		Threads: threads,
		CPUName: cpuid.CPU.BrandName,
		SIMD:    simdLevel(),
	}, nil
}

// Default 单线程 cpu 环境，测试里使用
func Default() Context {
	return Context{Device: CPU, Threads: 1, SIMD: simdLevel()}
}

func (c Context) String() string {
	return fmt.Sprintf("device=%s threads=%d simd=%s cpu=%q", c.Device, c.Threads, c.SIMD, c.CPUName)
}

// ParallelFor 以最多 Threads 个 goroutine 执行 body(0..n-1)
func (c Context) ParallelFor(n int, body func(i int)) {
	limit := c.Threads
	if limit <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	if limit > n {
		limit = n
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}

func simdLevel() string {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2):
		return "avx2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return "neon"
	default:
		return "generic"
	}
}
