package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrStrategyClosed = errors.New("onnx strategy closed")

var ortInit struct {
	once sync.Once
	err  error
}

// InitONNX loads the runtime library once per process.
func InitONNX(libPath string) error {
	ortInit.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInit.err = ort.InitializeEnvironment()
	})
	return ortInit.err
}

// ONNXStrategy runs an exported policy network with input shape
// [1, features] and output [1, 3] holding raw hold, buy and sell logits.
// Export the network without a final softmax layer; confidence is the
// softmax of the logits. It is inference only; retraining happens outside
// this process.
type ONNXStrategy struct {
	path string

	mu      *sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewONNX(modelPath, libPath string, features int) (*ONNXStrategy, error) {
	if err := InitONNX(libPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(features)), make([]float32, features))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, numActions))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}

	return &ONNXStrategy{
		path:    modelPath,
		mu:      &sync.Mutex{},
		session: session,
		input:   input,
		output:  output,
	}, nil
}

func (s *ONNXStrategy) Name() string { return "onnx" }

func (s *ONNXStrategy) Decide(obs []float64) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.input == nil || s.output == nil {
		return Decision{}, ErrStrategyClosed
	}

	in := s.input.GetData()
	if len(obs) != len(in) {
		return Decision{}, fmt.Errorf("observation has %d features, want %d", len(obs), len(in))
	}
	for i, v := range obs {
		in[i] = float32(v)
	}
	if err := s.session.Run(); err != nil {
		return Decision{}, fmt.Errorf("onnx inference: %w", err)
	}

	out := s.output.GetData()
	return argmax(softmax(out)), nil
}

func (s *ONNXStrategy) Train(context.Context, []Sample, TrainConfig) (TrainStats, error) {
	return TrainStats{}, ErrTrainingUnsupported
}

// Clone shares the session; the model is immutable from here.
func (s *ONNXStrategy) Clone() Strategy { return s }

func (s *ONNXStrategy) Params() ([]byte, error) {
	return json.Marshal(map[string]string{"model_path": s.path})
}

func (s *ONNXStrategy) SetParams([]byte) error { return nil }

func (s *ONNXStrategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
}

func softmax(raw []float32) []float64 {
	out := make([]float64, numActions)
	maxv := math.Inf(-1)
	for i := 0; i < numActions && i < len(raw); i++ {
		maxv = math.Max(maxv, float64(raw[i]))
	}
	var sum float64
	for i := 0; i < numActions && i < len(raw); i++ {
		out[i] = math.Exp(float64(raw[i]) - maxv)
		sum += out[i]
	}
	if sum == 0 || math.IsNaN(sum) {
		return []float64{1, 0, 0}
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
