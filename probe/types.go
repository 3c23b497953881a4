// Package probe 用 onnxruntime 加载导出的模型，检查它能被其他运行时正确执行。
package probe

import ort "github.com/getcharzp/onnxruntime_purego"

// MinConfidence 低于该置信度的结果被拒绝
const MinConfidence = 0.6

// Result 单张图片的分类结果
type Result struct {
	Label      string
	Index      int
	Confidence float32
	Rejected   bool // 置信度不足或为 negative
}

// Config probe 配置信息
type Config struct {
	ModelPath          string
	ClassesPath        string
	OnnxRuntimeLibPath string
	InputName          string
	OutputName         string
	Height             int
	Width              int
	MinConfidence      float32
}

// Engine probe 引擎
type Engine struct {
	session       *ort.Session
	classes       []string
	inputName     string
	outputName    string
	height, width int
	minConfidence float32
}
