package nnet

import "math"

// Adam 优化器
type Adam struct {
	LearningRate float64
	Beta1, Beta2 float64
	Eps          float64
	step         int
	m, v         map[*Param][]float64
}

// NewAdam 使用常用默认系数创建 Adam
func NewAdam(lr float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		m:            make(map[*Param][]float64),
		v:            make(map[*Param][]float64),
	}
}

// Step 用当前梯度更新参数一次，带偏差修正
func (a *Adam) Step(params []*Param) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p] = m
			a.v[p] = make([]float64, len(p.Value))
		}
		v := a.v[p]
		for i, g32 := range p.Grad {
			g := float64(g32)
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mhat := m[i] / c1
			vhat := v[i] / c2
			p.Value[i] -= float32(a.LearningRate * mhat / (math.Sqrt(vhat) + a.Eps))
		}
	}
}

// Steps 已执行的更新次数
func (a *Adam) Steps() int { return a.step }
