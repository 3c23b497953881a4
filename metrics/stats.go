// Package metrics 汇总训练过程中的批次统计，并可绘制训练曲线。
package metrics

import (
	"fmt"
	"time"
)

// Window 累计一个 epoch 内的批次统计
type Window struct {
	samples int
	correct int
	steps   int
	loss    float64
	data    time.Duration
	compute time.Duration
}

// Record 记录一个批次
func (w *Window) Record(batchSize, correct int, loss float64, dataTime, computeTime time.Duration) {
	w.samples += batchSize
	w.correct += correct
	w.steps++
	w.loss += loss
	w.data += dataTime
	w.compute += computeTime
}

// Snapshot 返回汇总结果并清空窗口
func (w *Window) Snapshot(epoch, epochs int) Epoch {
	e := Epoch{Epoch: epoch, Epochs: epochs, Loss: w.loss, Samples: w.samples, Steps: w.steps}
	if w.steps > 0 {
		e.MeanLoss = w.loss / float64(w.steps)
	}
	if w.samples > 0 {
		e.Accuracy = 100 * float64(w.correct) / float64(w.samples)
	}
	e.Elapsed = w.data + w.compute
	if e.Elapsed > 0 {
		e.ImagesPerSec = float64(w.samples) / e.Elapsed.Seconds()
	}

	*w = Window{}
	return e
}

// Epoch 一个 epoch 的训练指标
type Epoch struct {
	Epoch        int
	Epochs       int
	Loss         float64 // 各批次平均损失之和
	MeanLoss     float64
	Accuracy     float64 // 百分比
	Samples      int
	Steps        int
	ImagesPerSec float64
	Elapsed      time.Duration
}

func (e Epoch) String() string {
	return fmt.Sprintf("Epoch %d/%d, Loss: %.4f, Acc: %.2f%%", e.Epoch, e.Epochs, e.Loss, e.Accuracy)
}
