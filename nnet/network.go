// Package nnet 实现装甲板数字分类用的小型卷积网络及其训练。
//
// 网络结构以 []LayerConfig 描述，可以序列化为 JSON，构造时根据输入形状推导每层尺寸。
package nnet

import (
	"fmt"
	"strings"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
)

// Network 顺序堆叠的网络
type Network struct {
	Config  []LayerConfig
	Layers  []Layer
	InShape []int
	ec      exec.Context
}

// ArmorNet 装甲板数字分类网络的层描述，输出宽度为 numClasses
func ArmorNet(numClasses int) []LayerConfig {
	return []LayerConfig{
		Conv{Nfeats: 16, Size: 3, Pad: 1}.Marshal(),
		BatchNorm{}.Marshal(),
		Activation{Atype: "relu"}.Marshal(),
		MaxPool{Size: 2}.Marshal(),
		Conv{Nfeats: 32, Size: 3, Pad: 1}.Marshal(),
		BatchNorm{}.Marshal(),
		Activation{Atype: "relu"}.Marshal(),
		MaxPool{Size: 2}.Marshal(),
		Flatten{}.Marshal(),
		Linear{Nout: 128}.Marshal(),
		Activation{Atype: "relu"}.Marshal(),
		Dropout{Ratio: 0.5}.Marshal(),
		Linear{Nout: numClasses}.Marshal(),
	}
}

// New 按层描述构造网络，inShape 为单个样本的 (C, H, W)
func New(ec exec.Context, config []LayerConfig, inShape []int, src rng.Source) (*Network, error) {
	if len(config) == 0 {
		return nil, fmt.Errorf("网络层描述为空")
	}
	n := &Network{Config: config, InShape: append([]int(nil), inShape...), ec: ec}
	shape := n.InShape
	for i, cfg := range config {
		layer, err := cfg.Unmarshal(shape, ec, src)
		if err != nil {
			return nil, fmt.Errorf("构造第 %d 层 (%s) 失败: %w", i, cfg.Type, err)
		}
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape()
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("网络输出必须是一维 logits, got %v", shape)
	}
	return n, nil
}

// NumClasses 输出宽度
func (n *Network) NumClasses() int {
	return n.Layers[len(n.Layers)-1].OutShape()[0]
}

// Exec 网络使用的执行环境
func (n *Network) Exec() exec.Context { return n.ec }

// Fprop 前向传播，返回 (N, NumClasses) 的 logits。train 为 false 时使用评估语义
func (n *Network) Fprop(x *Tensor, train bool) (*Tensor, error) {
	if len(x.Shape) < 1 || !sameShape(x.Shape[1:], n.InShape) {
		return nil, fmt.Errorf("输入形状 %v 与网络 %v 不匹配", x.Shape, n.InShape)
	}
	if len(x.Data) != Size(x.Shape) {
		return nil, fmt.Errorf("输入数据长度 %d 与形状 %v 不符", len(x.Data), x.Shape)
	}
	out := x
	for _, layer := range n.Layers {
		out = layer.Fprop(out, train)
	}
	return out, nil
}

// Bprop 从输出梯度反向传播，参数梯度累加到各 Param.Grad
func (n *Network) Bprop(grad *Tensor) *Tensor {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
	}
	return grad
}

// Params 全部可训练参数
func (n *Network) Params() []*Param {
	var params []*Param
	for _, layer := range n.Layers {
		if pl, ok := layer.(ParamLayer); ok {
			params = append(params, pl.Params()...)
		}
	}
	return params
}

// ZeroGrad 清空参数梯度
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// NumParams 参数总数
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += len(p.Value)
	}
	return total
}

func (n *Network) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input %v\n", n.InShape)
	for i, layer := range n.Layers {
		fmt.Fprintf(&b, "%2d: %s\n", i, layer.ToString())
	}
	fmt.Fprintf(&b, "params: %d", n.NumParams())
	return b.String()
}
