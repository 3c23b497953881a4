package metrics

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot 把每个 epoch 的平均损失和准确率画到 path，格式由扩展名决定 (svg/png/pdf)
func Plot(history []Epoch, path string) error {
	if len(history) == 0 {
		return fmt.Errorf("没有可绘制的训练记录")
	}
	p := plot.New()
	p.Title.Text = "training"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"

	loss := make(plotter.XYs, len(history))
	acc := make(plotter.XYs, len(history))
	for i, e := range history {
		loss[i].X = float64(e.Epoch)
		loss[i].Y = e.MeanLoss
		acc[i].X = float64(e.Epoch)
		acc[i].Y = e.Accuracy / 100
	}
	if err := plotutil.AddLinePoints(p, "loss", loss, "accuracy", acc); err != nil {
		return fmt.Errorf("绘制训练曲线失败: %w", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("保存训练曲线失败: %w", err)
	}
	return nil
}
