package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/getcharzp/armornum"
	"github.com/getcharzp/armornum/config"
)

func main() {
	cfgPath := flag.String("config", "configs/armor.yaml", "YAML 配置文件路径")
	dataDir := flag.String("data-dir", "", "覆盖数据集目录")
	modelPath := flag.String("model", "", "覆盖导出模型路径")
	classes := flag.String("classes", "", "覆盖数字类别, 逗号分隔")
	epochs := flag.Int("epochs", 0, "训练轮数")
	batchSize := flag.Int("batch-size", 0, "批大小")
	lr := flag.Float64("lr", 0, "学习率")
	seed := flag.Int64("seed", 0, "随机种子")
	device := flag.String("device", "", "计算设备 auto|cpu")
	threads := flag.Int("threads", 0, "并发线程数")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataDir:      *dataDir,
		ModelPath:    *modelPath,
		Classes:      *classes,
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *lr,
		Seed:         *seed,
		Device:       *device,
		Threads:      *threads,
	})
	if *modelPath != "" {
		cfg.ClassesPath = ""
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := armornum.Train(ctx, cfg)
	if err != nil {
		log.Fatalf("训练失败: %v", err)
	}
	if _, err := armornum.Verify(cfg); err != nil {
		log.Fatalf("模型约定检查失败: %v", err)
	}
	log.Printf("model=%s classes=%s seed=%d", res.ModelPath, res.ClassesPath, res.Seed)
}
