package main

import (
	"flag"
	"log"

	"github.com/getcharzp/armornum"
	"github.com/getcharzp/armornum/config"
	"github.com/getcharzp/armornum/probe"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
)

func main() {
	cfgPath := flag.String("config", "configs/armor.yaml", "YAML 配置文件路径")
	modelPath := flag.String("model", "", "覆盖模型路径")
	libPath := flag.String("lib", "", "onnxruntime 动态库路径")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	cfg.ApplyOverrides(config.Overrides{ModelPath: *modelPath})
	if *modelPath != "" {
		cfg.ClassesPath = ""
	}
	if *libPath != "" {
		cfg.OnnxRuntimeLibPath = *libPath
	}
	if cfg.OnnxRuntimeLibPath == "" {
		cfg.OnnxRuntimeLibPath = armornum.DefaultLibraryPath()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	if _, err := armornum.Verify(cfg); err != nil {
		log.Fatalf("模型约定检查失败: %v", err)
	}

	pc := new(probe.Config)
	_ = convertutil.CopyProperties(*cfg, pc)
	engine, err := probe.NewEngine(*pc)
	if err != nil {
		log.Fatalf("创建 probe 引擎失败: %v", err)
	}
	defer engine.Destroy()

	for _, path := range flag.Args() {
		img, err := imageutil.Open(path)
		if err != nil {
			log.Fatalf("加载图像失败: %v", err)
		}
		res, err := engine.Classify(img)
		if err != nil {
			log.Fatalf("分类失败: %v", err)
		}
		log.Printf("image=%s label=%s confidence=%.3f rejected=%v", path, res.Label, res.Confidence, res.Rejected)
	}
}
