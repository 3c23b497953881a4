// Package config 读取生成与训练的运行参数。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/getcharzp/armornum/labels"
	"gopkg.in/yaml.v3"
)

// Config 一次生成/训练运行的全部参数
type Config struct {
	DataDir            string   `yaml:"data_dir"`
	ModelPath          string   `yaml:"model_path"`
	ClassesPath        string   `yaml:"classes_path"`
	PlotPath           string   `yaml:"plot_path"`
	Classes            []string `yaml:"classes"`
	SamplesPerClass    int      `yaml:"samples_per_class"`
	Height             int      `yaml:"height"`
	Width              int      `yaml:"width"`
	BatchSize          int      `yaml:"batch_size"`
	Epochs             int      `yaml:"epochs"`
	LearningRate       float64  `yaml:"learning_rate"`
	Seed               int64    `yaml:"seed"`
	Device             string   `yaml:"device"`
	Threads            int      `yaml:"threads"`
	OnnxRuntimeLibPath string   `yaml:"onnxruntime_lib_path"`
}

// Overrides 命令行传入的覆盖值，零值表示不覆盖
type Overrides struct {
	DataDir         string
	ModelPath       string
	Classes         string // 逗号分隔
	SamplesPerClass int
	BatchSize       int
	Epochs          int
	LearningRate    float64
	Seed            int64
	Device          string
	Threads         int
}

// Default 默认参数
func Default() *Config {
	return &Config{
		DataDir:         "./build/data",
		ModelPath:       "armor_model.onnx",
		Classes:         []string{"1", "2", "3", "4", "5", "7"},
		SamplesPerClass: 500,
		Height:          40,
		Width:           20,
		BatchSize:       16,
		Epochs:          30,
		LearningRate:    0.001,
		Device:          "auto",
	}
}

// Load 在默认参数上叠加 YAML 文件，未知字段视为错误
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 从 r 读取 YAML，空文档返回默认参数
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides 用非零覆盖值更新配置
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.ModelPath != "" {
		c.ModelPath = o.ModelPath
	}
	if o.Classes != "" {
		c.Classes = splitList(o.Classes)
	}
	if o.SamplesPerClass > 0 {
		c.SamplesPerClass = o.SamplesPerClass
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Threads > 0 {
		c.Threads = o.Threads
	}
}

// Validate 检查配置可运行，并补全派生路径
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if c.DataDir == "" {
		return errors.New("data_dir 不能为空")
	}
	if c.ModelPath == "" {
		return errors.New("model_path 不能为空")
	}
	if _, err := c.Labels(); err != nil {
		return fmt.Errorf("classes 无效: %w", err)
	}
	if c.SamplesPerClass <= 0 {
		return fmt.Errorf("samples_per_class 必须 > 0 (got %d)", c.SamplesPerClass)
	}
	// 两次 2x2 池化要求尺寸能被 4 整除
	if c.Height <= 0 || c.Width <= 0 || c.Height%4 != 0 || c.Width%4 != 0 {
		return fmt.Errorf("height/width 必须是 4 的正整数倍 (got %dx%d)", c.Height, c.Width)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size 必须 > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs 必须 > 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate 必须 > 0 (got %g)", c.LearningRate)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads 不能为负 (got %d)", c.Threads)
	}
	if c.ClassesPath == "" {
		c.ClassesPath = strings.TrimSuffix(c.ModelPath, ".onnx") + ".classes.txt"
	}
	return nil
}

// Labels 由 classes 构建类别映射，自动包含 negative
func (c *Config) Labels() (labels.Map, error) {
	return labels.New(c.Classes...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
