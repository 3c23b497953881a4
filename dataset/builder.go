// Package dataset 负责把合成样本落盘为按类别分目录的数据集，以及训练时读回。
package dataset

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/labels"
	"github.com/getcharzp/armornum/synth"
	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/sync/errgroup"
)

// Ext 样本文件扩展名，PNG 无损且保持单通道
const Ext = ".png"

// Builder 数据集生成器
type Builder struct {
	Root    string
	Classes labels.Map
	Count   int
	Options synth.Options
	Exec    exec.Context
}

// Summary 生成结果
type Summary struct {
	Root    string
	Counts  map[string]int
	Total   int
	Elapsed time.Duration
}

// Build 为每个类别生成 Count 张样本，写入 Root/<label>/<i>.png。
// 目录不存在时创建；每次运行都重新生成并覆盖同名文件。
// 每个类别使用按类别顺序从 src 派生的独立随机流，并发调度不影响结果。
func (b *Builder) Build(ctx context.Context, src rng.Source) (*Summary, error) {
	if b.Count <= 0 {
		return nil, fmt.Errorf("每类样本数必须 > 0 (got %d)", b.Count)
	}
	if b.Classes.Len() == 0 {
		return nil, fmt.Errorf("类别映射为空")
	}

	start := time.Now()
	names := b.Classes.Labels()
	streams := make([]rng.Source, len(names))
	for i := range names {
		streams[i] = rng.Split(src)
	}

	summary := &Summary{Root: b.Root, Counts: make(map[string]int, len(names))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if b.Exec.Threads > 0 {
		g.SetLimit(b.Exec.Threads)
	}
	for i, label := range names {
		stream := streams[i]
		g.Go(func() error {
			n, err := b.buildClass(ctx, label, stream)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.Counts[label] = n
			summary.Total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.Elapsed = time.Since(start)
	log.Printf("数据集生成完成 root=%s classes=%d total=%d elapsed=%s",
		b.Root, len(names), summary.Total, summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}

func (b *Builder) buildClass(ctx context.Context, label string, src rng.Source) (int, error) {
	dir := filepath.Join(b.Root, label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("创建类别目录失败 %s: %w", dir, err)
	}
	s, err := synth.New(b.Options, src)
	if err != nil {
		return 0, err
	}
	for i := 0; i < b.Count; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		img, err := s.Sample(label)
		if err != nil {
			return i, fmt.Errorf("生成样本失败 %s/%d: %w", label, i, err)
		}
		path := SamplePath(b.Root, label, i)
		if err := imageutil.Save(path, img, 100); err != nil {
			return i, fmt.Errorf("保存样本失败 %s: %w", path, err)
		}
	}
	return b.Count, nil
}

// SamplePath 第 i 张样本的路径
func SamplePath(root, label string, i int) string {
	return filepath.Join(root, label, strconv.Itoa(i)+Ext)
}
