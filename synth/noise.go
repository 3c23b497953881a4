package synth

import (
	"image"

	"github.com/getcharzp/armornum/internal/rng"
	"github.com/up-zero/gotool/imageutil"
)

// Sigma 按核大小推导高斯标准差，与 OpenCV sigma<=0 时的取值一致
func Sigma(ksize int) float64 {
	return 0.3*(float64(ksize-1)*0.5-1) + 0.8
}

// GaussianBlur 高斯模糊，尺寸不变；核大小须为 >= 3 的奇数，否则原样返回
func GaussianBlur(src *image.Gray, ksize int) *image.Gray {
	if ksize < 3 || ksize%2 == 0 {
		return src
	}
	return imageutil.Grayscale(imageutil.GaussianBlur(src, ksize/2, Sigma(ksize)))
}

// AddNoise 逐像素叠加 [0, limit) 的均匀噪声，饱和加法
func AddNoise(img *image.Gray, src rng.Source, limit int) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for x := range row {
			row[x] = SaturatingAdd(row[x], src.Intn(limit))
		}
	}
}

// SaturatingAdd 加法结果截断到 [0, 255]
func SaturatingAdd(a uint8, n int) uint8 {
	v := int(a) + n
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
