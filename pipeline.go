// Package armornum 串联装甲板数字分类器的数据生成、训练与 ONNX 导出。
package armornum

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/getcharzp/armornum/config"
	"github.com/getcharzp/armornum/dataset"
	"github.com/getcharzp/armornum/exporter"
	"github.com/getcharzp/armornum/internal/exec"
	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/internal/util"
	"github.com/getcharzp/armornum/metrics"
	"github.com/getcharzp/armornum/nnet"
	"github.com/getcharzp/armornum/synth"
	"github.com/up-zero/gotool/convertutil"
)

// TrainResult 一次训练的产物
type TrainResult struct {
	Network     *nnet.Network
	Model       *exporter.Model
	History     []metrics.Epoch
	ModelPath   string
	ClassesPath string
	Seed        int64
}

// Generate 按配置在 DataDir 下生成数据集
func Generate(ctx context.Context, cfg *config.Config) (*dataset.Summary, error) {
	classes, err := cfg.Labels()
	if err != nil {
		return nil, err
	}
	ec, err := exec.NewContext(cfg.Device, cfg.Threads)
	if err != nil {
		return nil, err
	}
	seed := rng.Resolve(cfg.Seed)
	log.Printf("开始生成数据 %s seed=%d classes=%v", ec, seed, classes.Labels())

	opts := synth.DefaultOptions()
	opts.FontSize = opts.FontSize * float64(cfg.Height) / synth.Height
	opts.Height, opts.Width = cfg.Height, cfg.Width

	b := &dataset.Builder{
		Root:    cfg.DataDir,
		Classes: classes,
		Count:   cfg.SamplesPerClass,
		Options: opts,
		Exec:    ec,
	}
	return b.Build(ctx, rng.New(seed))
}

// Train 读取数据集、训练网络并导出模型与类别文件
func Train(ctx context.Context, cfg *config.Config) (*TrainResult, error) {
	classes, err := cfg.Labels()
	if err != nil {
		return nil, err
	}
	ec, err := exec.NewContext(cfg.Device, cfg.Threads)
	if err != nil {
		return nil, err
	}
	seed := rng.Resolve(cfg.Seed)
	src := rng.New(seed)
	log.Printf("使用设备 %s seed=%d", ec, seed)

	samples, err := dataset.Load(cfg.DataDir, classes, cfg.Height, cfg.Width)
	if err != nil {
		return nil, err
	}
	log.Printf("类别映射: %s", classes)
	log.Printf("样本数 total=%d per_class=%v", samples.Len(), samples.CountByClass())

	net, err := nnet.New(ec, nnet.ArmorNet(classes.Len()), samples.Shape(), src)
	if err != nil {
		return nil, err
	}

	tc := new(nnet.TrainConfig)
	_ = convertutil.CopyProperties(*cfg, tc)
	history, err := nnet.Train(ctx, net, samples, *tc, src)
	if err != nil {
		return nil, fmt.Errorf("训练失败: %w", err)
	}

	model, err := exporter.ExportFile(net, cfg.ModelPath, exporter.DefaultOptions(classes), src)
	if err != nil {
		return nil, err
	}
	if err := util.SaveDict(cfg.ClassesPath, classes.Labels()); err != nil {
		return nil, err
	}
	if cfg.PlotPath != "" {
		if err := metrics.Plot(history, cfg.PlotPath); err != nil {
			return nil, err
		}
	}
	log.Printf("训练完成，模型已保存为 %s", cfg.ModelPath)

	return &TrainResult{
		Network:     net,
		Model:       model,
		History:     history,
		ModelPath:   cfg.ModelPath,
		ClassesPath: cfg.ClassesPath,
		Seed:        seed,
	}, nil
}

// Verify 检查已导出的模型和类别文件满足对外约定
func Verify(cfg *config.Config) (exporter.Contract, error) {
	classes, err := cfg.Labels()
	if err != nil {
		return exporter.Contract{}, err
	}
	m, err := exporter.ReadModelFile(cfg.ModelPath)
	if err != nil {
		return exporter.Contract{}, err
	}
	c, err := m.Contract()
	if err != nil {
		return c, err
	}
	if err := c.Check(classes.Len(), cfg.Height, cfg.Width); err != nil {
		return c, err
	}
	dict, err := util.LoadDict(cfg.ClassesPath)
	if err != nil {
		return c, err
	}
	if got, want := strings.Join(dict, ","), strings.Join(classes.Labels(), ","); got != want {
		return c, fmt.Errorf("%w: 类别文件 %s 与配置 %s 不一致", exporter.ErrContract, got, want)
	}
	return c, nil
}
