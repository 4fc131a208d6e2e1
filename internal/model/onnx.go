package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/cardio-api/internal/reclaim"
)

var errSessionClosed = errors.New("onnx session is closed")

// LoaderConfig locates the weights and runtime for NewONNXLoader.
type LoaderConfig struct {
	WeightsPath  string
	WeightsURL   string
	MetadataPath string
	LibraryPath  string
	Device       string // auto, cpu, cuda
	HTTPClient   *http.Client
}

// NewONNXLoader returns a Loader that fetches weights if needed and builds an
// ONNX Runtime session on the preferred device.
func NewONNXLoader(cfg LoaderConfig, logger *slog.Logger) Loader {
	return func(ctx context.Context) (*Handle, error) {
		if err := EnsureWeights(ctx, cfg.HTTPClient, cfg.WeightsPath, cfg.WeightsURL, logger); err != nil {
			return nil, err
		}

		if err := initRuntime(cfg.LibraryPath); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}

		meta, err := LoadMetadata(cfg.MetadataPath)
		if err != nil {
			return nil, err
		}

		opts, device, err := sessionOptions(cfg.Device, logger)
		if err != nil {
			return nil, err
		}
		defer opts.Destroy()

		session, err := ort.NewDynamicAdvancedSession(cfg.WeightsPath,
			[]string{meta.InputName}, []string{meta.OutputName}, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX session: %w", err)
		}

		logger.Info("model.session_created",
			"weights", cfg.WeightsPath,
			"device", device,
			"classes", meta.Classes,
		)
		return NewHandle(device, meta, &onnxSession{session: session}), nil
	}
}

var runtimeMu sync.Mutex

func initRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	return ort.InitializeEnvironment()
}

// ShutdownRuntime tears down the ONNX environment at process exit.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// sessionOptions resolves the device preference. "auto" tries CUDA and falls back to CPU.
func sessionOptions(pref string, logger *slog.Logger) (*ort.SessionOptions, Device, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if pref == string(DeviceCPU) {
		return opts, DeviceCPU, nil
	}

	err = appendCUDA(opts)
	if err == nil {
		return opts, DeviceCUDA, nil
	}
	if pref == string(DeviceCUDA) {
		opts.Destroy()
		return nil, "", fmt.Errorf("cuda requested but unavailable: %w", err)
	}

	logger.Info("model.cuda_unavailable", "error", err)
	return opts, DeviceCPU, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cuda)
}

// onnxSession allocates tensors per call so concurrent requests never share buffers.
type onnxSession struct {
	mu      sync.RWMutex
	closed  bool
	session *ort.DynamicAdvancedSession
}

func (s *onnxSession) Run(input []float32, shape []int64, scope *reclaim.Scope) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errSessionClosed
	}

	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	scope.Track(in.Destroy)

	// A nil output is allocated by the runtime with the shape it produces.
	outputs := []ort.ArbitraryTensor{nil}
	if err := s.session.Run([]ort.ArbitraryTensor{in}, outputs); err != nil {
		return nil, err
	}
	if outputs[0] != nil {
		scope.Track(outputs[0].Destroy)
	}

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	return slices.Clone(out.GetData()), nil
}

// Close waits for in-flight runs before destroying the session.
func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.session.Destroy()
}
