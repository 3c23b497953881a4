package synth

import (
	"fmt"
	"image"
	"math"

	"github.com/getcharzp/armornum/internal/rng"
	"gonum.org/v1/gonum/mat"
)

// Background 采样越界时使用的灰度值。
// 透视变换把画布外的源像素统一视为 0，与画布背景一致。
const Background = 0

// Matrix 3x3 透视矩阵，行优先，m[8] 恒为 1
type Matrix [9]float64

// Apply 对点做透视变换
func (m Matrix) Apply(x, y float64) (float64, float64) {
	w := m[6]*x + m[7]*y + m[8]
	return (m[0]*x + m[1]*y + m[2]) / w, (m[3]*x + m[4]*y + m[5]) / w
}

// Corners 画布四角
func Corners(w, h int) Quad {
	fw, fh := float64(w), float64(h)
	return Quad{{0, 0}, {fw, 0}, {0, fh}, {fw, fh}}
}

// JitterCorners 每个角独立地向内偏移 [0, shift] 像素
func JitterCorners(src rng.Source, w, h, shift int) Quad {
	j := func() float64 { return float64(src.Intn(shift + 1)) }
	fw, fh := float64(w), float64(h)
	return Quad{
		{j(), j()},
		{fw - j(), j()},
		{j(), fh - j()},
		{fw - j(), fh - j()},
	}
}

// PerspectiveTransform 求解把 from 映射到 to 的透视矩阵。
// 退化四边形不做预先检查，求解器的奇异矩阵错误会原样返回。
func PerspectiveTransform(from, to Quad) (Matrix, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := from[i].X, from[i].Y
		u, v := to[i].X, to[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return Matrix{}, fmt.Errorf("透视矩阵求解失败: %w", err)
	}
	var m Matrix
	for i := 0; i < 8; i++ {
		m[i] = h.AtVec(i)
	}
	m[8] = 1
	return m, nil
}

// Warp 把画布四角映射到 dst 四边形，输出尺寸与输入相同。
// 使用逆向映射 + 双线性插值，源图越界部分取 Background。
func Warp(src *image.Gray, dst Quad) (*image.Gray, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	inv, err := PerspectiveTransform(dst, Corners(w, h))
	if err != nil {
		return nil, err
	}

	out := newCanvas(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			out.Pix[y*out.Stride+x] = toUint8(bilinear(src, sx, sy))
		}
	}
	return out, nil
}

func bilinear(img *image.Gray, x, y float64) float64 {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return Background
	}
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	top := grayAt(img, ix, iy)*(1-fx) + grayAt(img, ix+1, iy)*fx
	bottom := grayAt(img, ix, iy+1)*(1-fx) + grayAt(img, ix+1, iy+1)*fx
	return top*(1-fy) + bottom*fy
}

func grayAt(img *image.Gray, x, y int) float64 {
	b := img.Bounds()
	if x < 0 || x >= b.Dx() || y < 0 || y >= b.Dy() {
		return Background
	}
	return float64(img.Pix[y*img.Stride+x])
}

func toUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
