package dataset

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/getcharzp/armornum/labels"
	"github.com/up-zero/gotool/imageutil"
)

// ErrMissingRoot 训练时找不到数据集目录，需要先生成数据
var ErrMissingRoot = errors.New("找不到数据集文件夹")

// Samples 内存中的数据集，像素归一化到 [0, 1]
type Samples struct {
	Height  int
	Width   int
	Pix     []float32
	Labels  []int
	Classes labels.Map
}

// Load 按显式类别映射读取 root 下的样本，标签下标只由映射决定
func Load(root string, classes labels.Map, height, width int) (*Samples, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingRoot, root)
		}
		return nil, fmt.Errorf("读取数据集目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s 不是目录", ErrMissingRoot, root)
	}
	warnUnknownDirs(root, classes)

	s := &Samples{Height: height, Width: width, Classes: classes}
	for idx, label := range classes.Labels() {
		files, err := listSamples(filepath.Join(root, label))
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := s.add(path, idx); err != nil {
				return nil, err
			}
		}
	}
	if s.Len() == 0 {
		return nil, fmt.Errorf("数据集为空: %s", root)
	}
	return s, nil
}

func (s *Samples) add(path string, label int) error {
	img, err := imageutil.Open(path)
	if err != nil {
		return fmt.Errorf("加载图像失败 %s: %w", path, err)
	}
	var src image.Image = img
	if b := img.Bounds(); b.Dx() != s.Width || b.Dy() != s.Height {
		src = imageutil.Resize(img, s.Width, s.Height)
	}
	gray := imageutil.Grayscale(src)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			s.Pix = append(s.Pix, float32(gray.Pix[y*gray.Stride+x])/255.0)
		}
	}
	s.Labels = append(s.Labels, label)
	return nil
}

// listSamples 返回目录下的样本文件，按数字序号排序
func listSamples(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取类别目录失败: %w", err)
	}
	type indexed struct {
		n    int
		path string
	}
	var files []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		switch ext {
		case ".png", ".jpg", ".jpeg":
		default:
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			n = -1
		}
		files = append(files, indexed{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].n != files[j].n {
			return files[i].n < files[j].n
		}
		return files[i].path < files[j].path
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func warnUnknownDirs(root string, classes labels.Map) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := classes.Index(e.Name()); !ok {
			log.Printf("忽略未配置的类别目录 %s", filepath.Join(root, e.Name()))
		}
	}
}

// Len 样本数
func (s *Samples) Len() int { return len(s.Labels) }

// NumClasses 类别数
func (s *Samples) NumClasses() int { return s.Classes.Len() }

// Shape 单个样本形状 (通道, 高, 宽)
func (s *Samples) Shape() []int { return []int{1, s.Height, s.Width} }

// Input 把 index 对应样本的像素依次拷贝到 buf
func (s *Samples) Input(index []int, buf []float32) {
	n := s.Height * s.Width
	for i, ix := range index {
		copy(buf[i*n:(i+1)*n], s.Pix[ix*n:(ix+1)*n])
	}
}

// Label 返回 index 对应样本的类别下标
func (s *Samples) Label(index []int, out []int) {
	for i, ix := range index {
		out[i] = s.Labels[ix]
	}
}

// CountByClass 每个类别的样本数
func (s *Samples) CountByClass() map[string]int {
	counts := make(map[string]int, s.Classes.Len())
	for _, l := range s.Labels {
		counts[s.Classes.Label(l)]++
	}
	return counts
}
