package nnet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getcharzp/armornum/internal/rng"
	"github.com/getcharzp/armornum/metrics"
)

// TrainConfig 训练参数
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
}

// Train 用 Adam 和交叉熵训练固定轮数，每轮开始前用 src 打乱数据。
// 返回每轮的统计，ctx 取消时在批次之间退出。
func Train(ctx context.Context, net *Network, data Data, cfg TrainConfig, src rng.Source) ([]metrics.Epoch, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("训练轮数必须 > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("批大小必须 > 0")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.New("学习率必须 > 0")
	}
	if data.Len() == 0 {
		return nil, errors.New("训练数据为空")
	}
	if !sameShape(data.Shape(), net.InShape) {
		return nil, fmt.Errorf("数据形状 %v 与网络输入 %v 不一致", data.Shape(), net.InShape)
	}
	if data.NumClasses() != net.NumClasses() {
		return nil, fmt.Errorf("类别数 %d 与网络输出宽度 %d 不一致", data.NumClasses(), net.NumClasses())
	}

	opt := NewAdam(cfg.LearningRate)
	params := net.Params()
	batcher := NewBatcher(data, cfg.BatchSize)
	history := make([]metrics.Epoch, 0, cfg.Epochs)
	var window metrics.Window

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		batcher.Shuffle(src)
		for {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			startData := time.Now()
			x, y, ok := batcher.Next()
			if !ok {
				break
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			net.ZeroGrad()
			out, err := net.Fprop(x, true)
			if err != nil {
				return history, err
			}
			loss, grad, correct := CrossEntropy(out, y)
			net.Bprop(grad)
			opt.Step(params)
			window.Record(len(y), correct, loss, dataTime, time.Since(startCompute))
		}
		e := window.Snapshot(epoch, cfg.Epochs)
		history = append(history, e)
		log.Printf("%s images_per_sec=%.1f", e, e.ImagesPerSec)
	}
	return history, nil
}

// Predict 评估模式下的预测类别
func Predict(net *Network, x *Tensor) ([]int, error) {
	out, err := net.Fprop(x, false)
	if err != nil {
		return nil, err
	}
	pred := make([]int, out.Batch())
	for i := range pred {
		pred[i] = Argmax(out.Sample(i))
	}
	return pred, nil
}
