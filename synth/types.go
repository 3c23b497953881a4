package synth

import (
	"image"

	"github.com/getcharzp/armornum/internal/rng"
	"golang.org/x/image/font/opentype"
)

const (
	// Height 样本高度
	Height = 40
	// Width 样本宽度
	Width = 20
)

// Options 数据增强参数
type Options struct {
	Height       int
	Width        int
	FontSize     float64 // scale=1 时的字号(像素)
	MinScale     float64
	MaxScale     float64
	Thickness    []int
	BaselineBias int // 居中后整体上移的像素，补偿基线不对称
	Shift        int // 透视抖动上限(像素)
	BlurProb     float64
	BlurKernels  []int
	NoiseMax     int // 噪声取值 [0, NoiseMax)
	NegativeBlur int
}

// DefaultOptions 默认参数，对应 40x20 画布
func DefaultOptions() Options {
	return Options{
		Height:       Height,
		Width:        Width,
		FontSize:     30,
		MinScale:     0.8,
		MaxScale:     1.1,
		Thickness:    []int{1, 2},
		BaselineBias: 2,
		Shift:        4,
		BlurProb:     0.5,
		BlurKernels:  []int{3, 5},
		NoiseMax:     50,
		NegativeBlur: 3,
	}
}

// Synthesizer 样本合成器
type Synthesizer struct {
	opts Options
	src  rng.Source
	font *opentype.Font
}

// Point 画布上的浮点坐标
type Point struct {
	X, Y float64
}

// Quad 四边形顶点，顺序为 左上, 右上, 左下, 右下
type Quad [4]Point

// NegativeKind 负样本图案
type NegativeKind int

const (
	NoiseField   NegativeKind = iota // 全图均匀噪声
	LightBarEdge                     // 半截灯条 (近竖直线)
	DarkNoise                        // 暗背景弱噪声
	Blank                            // 全黑空白图
)

var negativeNames = map[NegativeKind]string{
	NoiseField:   "noise",
	LightBarEdge: "lightbar",
	DarkNoise:    "dark",
	Blank:        "blank",
}

func (k NegativeKind) String() string {
	if s, ok := negativeNames[k]; ok {
		return s
	}
	return "unknown"
}

func newCanvas(w, h int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, w, h))
}
