package exporter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrContract 模型不满足对外约定 (输入输出名称、形状、类别数)
var ErrContract = errors.New("模型不满足导出约定")

// ReadModelFile 读取 ONNX 文件
func ReadModelFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开模型文件失败: %w", err)
	}
	defer f.Close()
	return ReadModel(f)
}

// ReadModel 读取并解码 ONNX 模型
func ReadModel(r io.Reader) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取模型失败: %w", err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("解析模型失败: %w", err)
	}
	return m, nil
}

// Unmarshal 解码 ONNX ModelProto，未知字段被忽略
func Unmarshal(b []byte) (*Model, error) {
	m := &Model{Metadata: map[string]string{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			m.IRVersion = int64(v.u)
		case 2:
			m.ProducerName = string(v.b)
		case 3:
			m.ProducerVersion = string(v.b)
		case 4:
			m.Domain = string(v.b)
		case 5:
			m.ModelVersion = int64(v.u)
		case 6:
			m.DocString = string(v.b)
		case 7:
			return m.Graph.unmarshal(v.b)
		case 8:
			var op OperatorSet
			if err := walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
				switch num {
				case 1:
					op.Domain = string(v.b)
				case 2:
					op.Version = int64(v.u)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Opset = append(m.Opset, op)
		case 14:
			var key, value string
			if err := walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
				switch num {
				case 1:
					key = string(v.b)
				case 2:
					value = string(v.b)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Metadata[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Graph) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, _ protowire.Type, v field) error {
		switch num {
		case 1:
			var n Node
			if err := n.unmarshal(v.b); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(v.b)
		case 5:
			var t Tensor
			if err := t.unmarshal(v.b); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12:
			var vi ValueInfo
			if err := vi.unmarshal(v.b); err != nil {
				return err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
		}
		return nil
	})
}

func (n *Node) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, _ protowire.Type, v field) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(v.b))
		case 2:
			n.Outputs = append(n.Outputs, string(v.b))
		case 3:
			n.Name = string(v.b)
		case 4:
			n.OpType = string(v.b)
		case 5:
			var a Attribute
			if err := a.unmarshal(v.b); err != nil {
				return err
			}
			n.Attrs = append(n.Attrs, a)
		}
		return nil
	})
}

func (a *Attribute) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			a.Name = string(v.b)
		case 2:
			a.F = math.Float32frombits(uint32(v.u))
		case 3:
			a.I = int64(v.u)
		case 4:
			a.S = string(v.b)
		case 7:
			if typ == protowire.BytesType {
				fs, err := packedFloats(v.b)
				if err != nil {
					return err
				}
				a.Floats = append(a.Floats, fs...)
			} else {
				a.Floats = append(a.Floats, math.Float32frombits(uint32(v.u)))
			}
		case 8:
			if typ == protowire.BytesType {
				vs, err := packedVarints(v.b)
				if err != nil {
					return err
				}
				a.Ints = append(a.Ints, vs...)
			} else {
				a.Ints = append(a.Ints, int64(v.u))
			}
		case 20:
			a.Type = int32(v.u)
		}
		return nil
	})
}

func (t *Tensor) unmarshal(b []byte) error {
	var raw []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			if typ == protowire.BytesType {
				vs, err := packedVarints(v.b)
				if err != nil {
					return err
				}
				t.Dims = append(t.Dims, vs...)
			} else {
				t.Dims = append(t.Dims, int64(v.u))
			}
		case 2:
			t.DataType = int32(v.u)
		case 4:
			if typ == protowire.BytesType {
				fs, err := packedFloats(v.b)
				if err != nil {
					return err
				}
				t.Data = append(t.Data, fs...)
			} else {
				t.Data = append(t.Data, math.Float32frombits(uint32(v.u)))
			}
		case 8:
			t.Name = string(v.b)
		case 9:
			raw = v.b
		}
		return nil
	})
	if err != nil {
		return err
	}
	if t.DataType != DataTypeFloat {
		return fmt.Errorf("初始化张量 %s 类型 %d 不是 float", t.Name, t.DataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return fmt.Errorf("初始化张量 %s raw_data 长度 %d 无效", t.Name, len(raw))
		}
		t.Data = make([]float32, len(raw)/4)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	if int64(len(t.Data)) != n {
		return fmt.Errorf("初始化张量 %s 数据长度 %d 与形状 %v 不符", t.Name, len(t.Data), t.Dims)
	}
	return nil
}

func (vi *ValueInfo) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, _ protowire.Type, v field) error {
		switch num {
		case 1:
			vi.Name = string(v.b)
		case 2: // TypeProto
			return walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
				if num != 1 { // tensor_type
					return nil
				}
				return walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
					switch num {
					case 1:
						vi.ElemType = int32(v.u)
					case 2: // TensorShapeProto
						return walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
							if num != 1 {
								return nil
							}
							var d Dim
							if err := walk(v.b, func(num protowire.Number, _ protowire.Type, v field) error {
								switch num {
								case 1:
									d.Value = int64(v.u)
								case 2:
									d.Param = string(v.b)
								}
								return nil
							}); err != nil {
								return err
							}
							vi.Dims = append(vi.Dims, d)
							return nil
						})
					}
					return nil
				})
			})
		}
		return nil
	})
}

// field 一个已解码的字段值, varint/fixed 存在 u, 长度分隔类型存在 b
type field struct {
	u uint64
	b []byte
}

// walk 依次解码 b 中的字段并回调
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v field
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(b)
			v.u = uint64(u)
		case protowire.Fixed64Type:
			v.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func packedVarints(b []byte) ([]int64, error) {
	var out []int64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

func packedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed float 长度 %d 无效", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// Classes 元数据中记录的类别，按下标顺序
func (m *Model) Classes() []string {
	s, ok := m.Metadata[MetaClasses]
	if !ok || s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Contract 模型对外约定: 唯一输入与唯一输出
type Contract struct {
	InputName  string
	InputDims  []Dim
	OutputName string
	OutputDims []Dim
	Classes    []string
}

// Contract 提取输入输出约定，初始化张量不算作输入
func (m *Model) Contract() (Contract, error) {
	inits := make(map[string]bool, len(m.Graph.Initializers))
	for _, t := range m.Graph.Initializers {
		inits[t.Name] = true
	}
	var inputs []ValueInfo
	for _, in := range m.Graph.Inputs {
		if !inits[in.Name] {
			inputs = append(inputs, in)
		}
	}
	if len(inputs) != 1 {
		return Contract{}, fmt.Errorf("%w: 需要唯一输入, got %d", ErrContract, len(inputs))
	}
	if len(m.Graph.Outputs) != 1 {
		return Contract{}, fmt.Errorf("%w: 需要唯一输出, got %d", ErrContract, len(m.Graph.Outputs))
	}
	return Contract{
		InputName:  inputs[0].Name,
		InputDims:  inputs[0].Dims,
		OutputName: m.Graph.Outputs[0].Name,
		OutputDims: m.Graph.Outputs[0].Dims,
		Classes:    m.Classes(),
	}, nil
}

// Check 检查输入为 [batch, 1, height, width]、输出为 [batch, numClasses]，批维度为符号维度
func (c Contract) Check(numClasses, height, width int) error {
	if len(c.InputDims) != 4 {
		return fmt.Errorf("%w: 输入维度数 %d", ErrContract, len(c.InputDims))
	}
	if c.InputDims[0].Param == "" {
		return fmt.Errorf("%w: 输入批维度不是动态维度", ErrContract)
	}
	want := []int64{1, int64(height), int64(width)}
	for i, w := range want {
		if d := c.InputDims[i+1]; d.Param != "" || d.Value != w {
			return fmt.Errorf("%w: 输入第 %d 维为 %+v, 期望 %d", ErrContract, i+1, d, w)
		}
	}
	if len(c.OutputDims) != 2 {
		return fmt.Errorf("%w: 输出维度数 %d", ErrContract, len(c.OutputDims))
	}
	if c.OutputDims[0].Param == "" {
		return fmt.Errorf("%w: 输出批维度不是动态维度", ErrContract)
	}
	if d := c.OutputDims[1]; d.Param != "" || d.Value != int64(numClasses) {
		return fmt.Errorf("%w: 输出宽度 %+v, 期望 %d", ErrContract, d, numClasses)
	}
	if c.Classes != nil && len(c.Classes) != numClasses {
		return fmt.Errorf("%w: 元数据类别数 %d, 期望 %d", ErrContract, len(c.Classes), numClasses)
	}
	return nil
}
