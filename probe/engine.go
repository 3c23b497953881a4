package probe

import (
	"fmt"
	"image"
	"math"

	"github.com/getcharzp/armornum/internal/onnx"
	"github.com/getcharzp/armornum/internal/util"
	"github.com/getcharzp/armornum/labels"
	ort "github.com/getcharzp/onnxruntime_purego"
	"github.com/up-zero/gotool/convertutil"
	"github.com/up-zero/gotool/imageutil"
)

// NewEngine 初始化引擎
func NewEngine(cfg Config) (*Engine, error) {
	oc := new(onnx.Config)
	_ = convertutil.CopyProperties(cfg, oc)

	if err := oc.New(); err != nil {
		return nil, err
	}

	classes, err := util.LoadDict(cfg.ClassesPath)
	if err != nil {
		return nil, fmt.Errorf("加载类别文件失败: %w", err)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("类别文件为空: %s", cfg.ClassesPath)
	}

	session, err := oc.OnnxEngine.NewSession(cfg.ModelPath, oc.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建分类会话失败: %w", err)
	}

	engine := &Engine{
		session:       session,
		classes:       classes,
		inputName:     cfg.InputName,
		outputName:    cfg.OutputName,
		height:        cfg.Height,
		width:         cfg.Width,
		minConfidence: cfg.MinConfidence,
	}
	if engine.inputName == "" {
		engine.inputName = "input"
	}
	if engine.outputName == "" {
		engine.outputName = "output"
	}
	if engine.height <= 0 || engine.width <= 0 {
		engine.height, engine.width = 40, 20
	}
	if engine.minConfidence <= 0 {
		engine.minConfidence = MinConfidence
	}
	return engine, nil
}

// Classes 模型类别，按输出下标排列
func (e *Engine) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Classify 单张图片分类
func (e *Engine) Classify(img image.Image) (Result, error) {
	results, err := e.ClassifyBatch([]image.Image{img})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// ClassifyBatch 一次推理多张图片，走模型的动态批维度
func (e *Engine) ClassifyBatch(imgs []image.Image) ([]Result, error) {
	scores, err := e.Scores(imgs)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(imgs))
	k := len(e.classes)
	for i := range results {
		results[i] = e.postprocess(scores[i*k : (i+1)*k])
	}
	return results, nil
}

// Scores 返回 [len(imgs), 类别数] 的原始 logits
func (e *Engine) Scores(imgs []image.Image) ([]float32, error) {
	if e.session == nil {
		return nil, fmt.Errorf("分类引擎未初始化")
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("没有输入图片")
	}

	inputData := make([]float32, 0, len(imgs)*e.height*e.width)
	for _, img := range imgs {
		inputData = append(inputData, e.preprocess(img)...)
	}
	inputShape := []int64{int64(len(imgs)), 1, int64(e.height), int64(e.width)}
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, err
	}
	defer inputTensor.Destroy()

	inputValues := map[string]*ort.Value{
		e.inputName: inputTensor,
	}

	outputValues, err := e.session.Run(inputValues)
	if err != nil {
		return nil, fmt.Errorf("分类推理失败: %w", err)
	}
	defer destroyValues(outputValues)

	outputValue, ok := outputValues[e.outputName]
	if !ok {
		return nil, fmt.Errorf("模型没有输出 %s", e.outputName)
	}

	outputData, err := ort.GetTensorData[float32](outputValue)
	if err != nil {
		return nil, fmt.Errorf("获取分类输出数据失败: %w", err)
	}
	if len(outputData) != len(imgs)*len(e.classes) {
		return nil, fmt.Errorf("输出长度 %d 与类别数 %d 不符", len(outputData), len(e.classes))
	}
	return append([]float32(nil), outputData...), nil
}

// destroyValues 释放 Run 返回的全部输出，包括未被读取的
func destroyValues[V interface{ Destroy() }](values map[string]V) {
	for _, v := range values {
		v.Destroy()
	}
}

// preprocess 缩放到模型尺寸，转灰度并归一化到 [0, 1]
func (e *Engine) preprocess(img image.Image) []float32 {
	dstImg := img
	if b := img.Bounds(); b.Dx() != e.width || b.Dy() != e.height {
		dstImg = imageutil.Resize(img, e.width, e.height)
	}
	grayImg := imageutil.Grayscale(dstImg)

	data := make([]float32, e.height*e.width)
	for y := 0; y < e.height; y++ {
		for x := 0; x < e.width; x++ {
			data[y*e.width+x] = float32(grayImg.Pix[y*grayImg.Stride+x]) / 255.0
		}
	}
	return data
}

func (e *Engine) postprocess(logits []float32) Result {
	return Decide(logits, e.classes, e.minConfidence)
}

// Decide softmax + argmax，置信度低于 minConfidence 或标签为 negative 时拒绝
func Decide(logits []float32, classes []string, minConfidence float32) Result {
	maxIdx := 0
	for i, v := range logits {
		if v > logits[maxIdx] {
			maxIdx = i
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - logits[maxIdx]))
	}
	r := Result{Index: maxIdx, Confidence: float32(1 / sum)}
	if maxIdx < len(classes) {
		r.Label = classes[maxIdx]
	}
	r.Rejected = r.Confidence < minConfidence || labels.IsNegative(r.Label)
	return r
}

func (e *Engine) Destroy() {
	if e.session != nil {
		e.session.Destroy()
	}
}
