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
	dataDir := flag.String("data-dir", "", "覆盖数据集输出目录")
	classes := flag.String("classes", "", "覆盖数字类别, 逗号分隔")
	count := flag.Int("count", 0, "覆盖每类样本数")
	seed := flag.Int64("seed", 0, "随机种子")
	device := flag.String("device", "", "计算设备 auto|cpu")
	threads := flag.Int("threads", 0, "并发线程数")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataDir:         *dataDir,
		Classes:         *classes,
		SamplesPerClass: *count,
		Seed:            *seed,
		Device:          *device,
		Threads:         *threads,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := armornum.Generate(ctx, cfg)
	if err != nil {
		log.Fatalf("生成数据失败: %v", err)
	}
	for label, n := range summary.Counts {
		log.Printf("class=%s samples=%d", label, n)
	}
	log.Printf("数据生成完毕！保存在 %s", summary.Root)
}
