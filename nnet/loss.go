package nnet

import "math"

// Softmax 数值稳定的 softmax
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for _, v := range logits {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax 最大值下标，相同时取靠前的
func Argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// CrossEntropy softmax 交叉熵，返回批平均损失、logits 梯度和预测正确数
func CrossEntropy(logits *Tensor, labels []int) (float64, *Tensor, int) {
	n := logits.Batch()
	k := logits.SampleSize()
	grad := NewTensor(n, k)
	var loss float64
	correct := 0
	for i := 0; i < n; i++ {
		row := logits.Sample(i)
		p := Softmax(row)
		y := labels[i]
		loss -= math.Log(math.Max(p[y], 1e-12))
		if Argmax(row) == y {
			correct++
		}
		g := grad.Sample(i)
		for j := range g {
			d := p[j]
			if j == y {
				d -= 1
			}
			g[j] = float32(d / float64(n))
		}
	}
	return loss / float64(n), grad, correct
}
