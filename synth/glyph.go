package synth

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Extent 文字测量结果
type Extent struct {
	Width  int // 墨迹宽度
	Height int // 基线以上高度
	MinX   int // 墨迹左边界相对笔位置的偏移
}

// RenderGlyph 在黑色画布上以 255 绘制文字并居中
func (s *Synthesizer) RenderGlyph(text string, scale float64, thickness int) (*image.Gray, error) {
	if thickness < 1 {
		thickness = 1
	}
	face, err := opentype.NewFace(s.font, &opentype.FaceOptions{
		Size:    s.opts.FontSize * scale,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("创建字体失败: %w", err)
	}
	defer face.Close()

	ext := Measure(face, text, thickness)
	x, y := Center(ext, s.opts.Width, s.opts.Height, s.opts.BaselineBias)

	img := newCanvas(s.opts.Width, s.opts.Height)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 255}),
		Face: face,
	}
	// 粗笔画: 在 thickness x thickness 的偏移上重复绘制
	for dy := 0; dy < thickness; dy++ {
		for dx := 0; dx < thickness; dx++ {
			d.Dot = fixed.P(x+dx, y-dy)
			d.DrawString(text)
		}
	}
	return img, nil
}

// Measure 测量文字的像素范围，粗笔画会扩大 thickness-1
func Measure(face font.Face, text string, thickness int) Extent {
	bounds, _ := font.BoundString(face, text)
	return Extent{
		Width:  (bounds.Max.X - bounds.Min.X).Ceil() + thickness - 1,
		Height: (-bounds.Min.Y).Ceil() + thickness - 1,
		MinX:   bounds.Min.X.Floor(),
	}
}

// Center 计算绘制起点(笔位置与基线)，使文字在画布内居中并上移 bias
func Center(ext Extent, width, height, bias int) (x, y int) {
	x = (width-ext.Width)/2 - ext.MinX
	y = (height+ext.Height)/2 - bias
	return x, y
}
