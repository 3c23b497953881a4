package nnet

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
)

// Layer 网络中的一层，形状均不含批维度
type Layer interface {
	InShape() []int
	OutShape() []int
	Fprop(in *Tensor, train bool) *Tensor
	Bprop(grad *Tensor) *Tensor
	ToString() string
}

// ParamLayer 带可训练参数的层
type ParamLayer interface {
	Layer
	Params() []*Param
}

// Param 可训练参数及其梯度
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := Size(shape)
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// initUniform 在 ±1/sqrt(fanIn) 内均匀初始化
func (p *Param) initUniform(src rng.Source, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range p.Value {
		p.Value[i] = float32(rng.Uniform(src, -bound, bound))
	}
}

func (p *Param) fill(v float32) {
	for i := range p.Value {
		p.Value[i] = v
	}
}

// LayerConfig 层的序列化描述
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

// ConfigLayer 可以转换为 LayerConfig 的层描述
type ConfigLayer interface {
	Marshal() LayerConfig
}

// env 构造层时使用的执行环境与随机源
type env struct {
	ec  exec.Context
	src rng.Source
}

// Unmarshal 解析描述并按输入形状构造层
func (l LayerConfig) Unmarshal(inShape []int, ec exec.Context, src rng.Source) (Layer, error) {
	e := env{ec: ec, src: src}
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newConv(*cfg, inShape, e)
	case "batchNorm":
		cfg := new(BatchNorm)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newBatchNorm(*cfg, inShape)
	case "maxPool":
		cfg := new(MaxPool)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newMaxPool(*cfg, inShape)
	case "activation":
		cfg := new(Activation)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newActivation(*cfg, inShape)
	case "dropout":
		cfg := new(Dropout)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newDropout(*cfg, inShape, e)
	case "flatten":
		return newFlatten(inShape), nil
	case "linear":
		cfg := new(Linear)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return newLinear(*cfg, inShape, e)
	default:
		return nil, fmt.Errorf("未知的层类型: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	return fmt.Sprintf("%s %s", l.Type, string(l.Data))
}

// Conv 卷积层
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

// BatchNorm 按通道的批归一化层
type BatchNorm struct {
	Eps, Momentum float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Eps == 0 {
		c.Eps = 1e-5
	}
	if c.Momentum == 0 {
		c.Momentum = 0.1
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

// MaxPool 最大池化层
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

// Activation 激活层，目前只有 relu
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

// Dropout 训练时按概率 Ratio 置零
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

// Flatten 把 (C, H, W) 展平为一维
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

func (c Flatten) ToString() string {
	return "flatten"
}

// Linear 全连接层
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析层描述失败: %w", err)
	}
	return nil
}
