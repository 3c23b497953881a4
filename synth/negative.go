package synth

import (
	"image"
	"image/color"

	"github.com/up-zero/gotool/imageutil"
)

// Negative 随机生成一种负样本
func (s *Synthesizer) Negative() (*image.Gray, NegativeKind) {
	kind := NegativeKind(s.src.Intn(4))
	return s.NegativeOf(kind), kind
}

// NegativeOf 生成指定图案的负样本，全部经过同样的小核模糊。
// Blank 是刻意保留的全黑负样本。
func (s *Synthesizer) NegativeOf(kind NegativeKind) *image.Gray {
	w, h := s.opts.Width, s.opts.Height
	img := newCanvas(w, h)
	switch kind {
	case NoiseField:
		for i := range img.Pix {
			img.Pix[i] = uint8(s.src.Intn(255))
		}
	case LightBarEdge:
		x0 := s.src.Intn(6)
		x1 := s.src.Intn(6)
		imageutil.DrawThickLine(img, image.Pt(x0, 0), image.Pt(x1, h), 3, color.Gray{Y: 255})
	case DarkNoise:
		for i := range img.Pix {
			img.Pix[i] = uint8(s.src.Intn(20))
		}
	}
	return GaussianBlur(img, s.opts.NegativeBlur)
}
