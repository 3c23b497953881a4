// Package onnx 封装 onnxruntime 动态库的加载，供各推理引擎共用。
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/getcharzp/onnxruntime_purego"
)

// Config onnxruntime 配置，New 之后 OnnxEngine 与 SessionOptions 可用
type Config struct {
	OnnxRuntimeLibPath string

	OnnxEngine     *ort.Engine
	SessionOptions *ort.SessionOptions
}

var (
	mu      sync.Mutex
	engines = map[string]*ort.Engine{}
)

// New 加载动态库并创建会话参数，同一路径的库只加载一次
func (c *Config) New() error {
	if c.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("未配置 onnxruntime 库路径")
	}
	if !Available(c.OnnxRuntimeLibPath) {
		return fmt.Errorf("找不到 onnxruntime 库: %s", c.OnnxRuntimeLibPath)
	}

	mu.Lock()
	defer mu.Unlock()
	engine, ok := engines[c.OnnxRuntimeLibPath]
	if !ok {
		var err error
		engine, err = ort.NewEngine(c.OnnxRuntimeLibPath)
		if err != nil {
			return fmt.Errorf("加载 onnxruntime 失败: %w", err)
		}
		engines[c.OnnxRuntimeLibPath] = engine
	}

	opts, err := engine.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("创建会话参数失败: %w", err)
	}
	c.OnnxEngine = engine
	c.SessionOptions = opts
	return nil
}

// Available 动态库文件是否存在
func Available(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
