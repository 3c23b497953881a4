// Package synth 合成装甲板数字样本与负样本，模拟倾斜、模糊、噪点等真实拍摄条件。
package synth

import (
	"fmt"
	"image"
	"sync"

	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/labels"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
)

var (
	monoOnce sync.Once
	monoFont *opentype.Font
	monoErr  error
)

func loadFont() (*opentype.Font, error) {
	monoOnce.Do(func() {
		monoFont, monoErr = opentype.Parse(gomono.TTF)
	})
	return monoFont, monoErr
}

// New 创建合成器，所有随机抽样都来自 src
func New(opts Options, src rng.Source) (*Synthesizer, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, fmt.Errorf("画布尺寸无效: %dx%d", opts.Width, opts.Height)
	}
	if len(opts.Thickness) == 0 || len(opts.BlurKernels) == 0 {
		return nil, fmt.Errorf("笔画粗细与模糊核候选不能为空")
	}
	if opts.NoiseMax <= 0 {
		return nil, fmt.Errorf("噪声上限必须 > 0 (got %d)", opts.NoiseMax)
	}
	if opts.Shift < 0 {
		return nil, fmt.Errorf("透视抖动幅度不能为负 (got %v)", opts.Shift)
	}
	if opts.BlurProb < 0 || opts.BlurProb > 1 {
		return nil, fmt.Errorf("模糊概率须在 [0, 1] 内 (got %v)", opts.BlurProb)
	}
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("加载字体失败: %w", err)
	}
	return &Synthesizer{opts: opts, src: src, font: f}, nil
}

// Options 返回合成参数
func (s *Synthesizer) Options() Options { return s.opts }

// Sample 按类别生成一张样本
func (s *Synthesizer) Sample(label string) (*image.Gray, error) {
	if labels.IsNegative(label) {
		img, _ := s.Negative()
		return img, nil
	}
	return s.Digit(label)
}

// Digit 渲染数字 -> 透视扰动 -> 模糊/噪声
func (s *Synthesizer) Digit(label string) (*image.Gray, error) {
	scale := rng.Uniform(s.src, s.opts.MinScale, s.opts.MaxScale)
	thickness := rng.Choice(s.src, s.opts.Thickness)
	img, err := s.RenderGlyph(label, scale, thickness)
	if err != nil {
		return nil, err
	}

	quad := JitterCorners(s.src, s.opts.Width, s.opts.Height, s.opts.Shift)
	img, err = Warp(img, quad)
	if err != nil {
		return nil, fmt.Errorf("透视变换失败: %w", err)
	}

	return s.compose(img), nil
}

// compose 样本完成前的最后一步，尺寸不变
func (s *Synthesizer) compose(img *image.Gray) *image.Gray {
	if s.src.Float64() < s.opts.BlurProb {
		img = GaussianBlur(img, rng.Choice(s.src, s.opts.BlurKernels))
	}
	AddNoise(img, s.src, s.opts.NoiseMax)
	return img
}
