// Package providers - Inference sessions.
package providers

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitializeEnvironment loads the ONNX Runtime shared library once per
// process. Later calls return the result of the first one.
func InitializeEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = GetSharedLibPath()
		}
		if _, err := os.Stat(libPath); err != nil {
			envErr = errors.Wrapf(err, "ONNX Runtime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = errors.Wrap(err, "initialize ORT environment")
		}
	})
	return envErr
}

// NewSessionOptions builds native session options for cfg. The caller must
// Destroy the result.
func NewSessionOptions(cfg Config) (*ort.SessionOptions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create ORT session options")
	}

	fail := func(err error, msg string) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, errors.Wrap(err, msg)
	}

	if err := options.SetIntraOpNumThreads(cfg.IntraOpNumThreads); err != nil {
		return fail(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpNumThreads); err != nil {
		return fail(err, "set inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(cfg.GraphOptimizationLevel); err != nil {
		return fail(err, "set graph optimization level")
	}

	switch cfg.Backend {
	case CoreMLProviderBackend:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(err, "enable CoreML")
		}
	case OpenVINOProviderBackend:
		if err := options.AppendExecutionProviderOpenVINO(cfg.OpenVINO.toNative()); err != nil {
			return fail(err, "enable OpenVINO")
		}
	case CUDAProviderBackend:
		cuda, err := cfg.CUDA.toNative()
		if err != nil {
			return fail(err, "convert CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(err, "enable CUDA")
		}
	}

	return options, nil
}

// Session runs a single-input single-output float32 model whose shapes may
// change between calls.
type Session struct {
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewSession loads the model at modelPath.
func NewSession(cfg Config, modelPath, inputName, outputName string) (*Session, error) {
	if err := InitializeEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := NewSessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create ORT session for %s", modelPath)
	}

	return &Session{session: session}, nil
}

// Run feeds data of the given shape to the model and returns the output data
// and shape.
func (s *Session) Run(data []float32, shape []int64) ([]float32, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, nil, errors.Wrap(err, "run ORT session")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, errors.Errorf("unexpected output type %T", outputs[0])
	}

	result := make([]float32, len(out.GetData()))
	copy(result, out.GetData())

	return result, []int64(out.GetShape()), nil
}

// Close releases the native session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return errors.Wrap(err, "destroy ORT session")
	}
	return nil
}
