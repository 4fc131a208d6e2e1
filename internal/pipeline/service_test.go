package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cardio-api/internal/annotation"
	"github.com/Brownie44l1/cardio-api/internal/imaging"
	"github.com/Brownie44l1/cardio-api/internal/model"
	"github.com/Brownie44l1/cardio-api/internal/reclaim"
	"github.com/Brownie44l1/cardio-api/internal/storage"
)

const annotationJSON = `{"version":"5.2.1","shapes":[{"label":"st_elevation","points":[[10,10],[60,10],[60,40]],"shape_type":"polygon","flags":{}}],"imageWidth":80,"imageHeight":50}`

type fakeModels struct {
	handle *model.Handle
	err    error
	calls  atomic.Int32
}

func (f *fakeModels) EnsureReady(context.Context) (*model.Handle, error) {
	f.calls.Add(1)
	return f.handle, f.err
}

type harness struct {
	svc       *Service
	store     *storage.Store
	uploadDir string
	resultDir string
	models    *fakeModels

	segment  SegmentFunc
	predict  PredictFunc
	segCalls atomic.Int32
	preCalls atomic.Int32
	reclaims atomic.Int32
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		uploadDir: filepath.Join(root, "uploads"),
		resultDir: filepath.Join(root, "results"),
		models:    &fakeModels{handle: model.NewHandle(model.DeviceCPU, model.DefaultMetadata(), nil)},
	}
	store, err := storage.New(h.uploadDir, h.resultDir)
	require.NoError(t, err)
	h.store = store

	h.segment = func(doc annotation.Document, img imaging.RawImage) (image.Image, error) {
		return img.Image, nil
	}
	h.predict = func(string, *model.Handle, []string, model.Device, *reclaim.Scope) (model.PredictionResult, error) {
		return model.PredictionResult{{Class: "Normal", Probability: 0.9}, {Class: "History of MI", Probability: 0.1}}, nil
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.MaxImageDim == 0 {
		opts.MaxImageDim = 1024
	}
	svc, err := NewService(Deps{
		Store:  store,
		Models: h.models,
		Segment: func(doc annotation.Document, img imaging.RawImage) (image.Image, error) {
			h.segCalls.Add(1)
			return h.segment(doc, img)
		},
		Predict: func(p string, m *model.Handle, c []string, d model.Device, s *reclaim.Scope) (model.PredictionResult, error) {
			h.preCalls.Add(1)
			return h.predict(p, m, c, d, s)
		},
		Reclaimer: reclaim.New(logger, func() { h.reclaims.Add(1) }),
		Logger:    logger,
	}, opts)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) files(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 3 {
		for x := 0; x < w; x += 3 {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func validParts(t *testing.T) Parts {
	return Parts{
		Image: &Part{Filename: "ecg.png", Data: pngBytes(t, 80, 50)},
		JSON:  &Part{Filename: "ecg.json", Data: []byte(annotationJSON)},
	}
}

func TestProcess_Success(t *testing.T) {
	h := newHarness(t, Options{})

	var sawOverlay bool
	h.predict = func(path string, m *model.Handle, classes []string, d model.Device, s *reclaim.Scope) (model.PredictionResult, error) {
		_, err := os.Stat(path)
		sawOverlay = err == nil && filepath.Dir(path) == filepath.Clean(h.resultDir)
		assert.Equal(t, model.DefaultClasses, classes)
		assert.Equal(t, model.DeviceCPU, d)
		return model.PredictionResult{{Class: "Myocardial Infarction", Probability: 0.8}}, nil
	}

	res, err := h.svc.Process(context.Background(), validParts(t))
	require.NoError(t, err)

	assert.True(t, sawOverlay, "overlay must be stored before prediction runs")
	assert.Equal(t, model.PredictionResult{{Class: "Myocardial Infarction", Probability: 0.8}}, res.Predictions)

	var submitted struct {
		Shapes json.RawMessage `json:"shapes"`
	}
	require.NoError(t, json.Unmarshal([]byte(annotationJSON), &submitted))
	assert.JSONEq(t, string(submitted.Shapes), string(res.Annotations))

	require.True(t, strings.HasPrefix(res.SegmentedImage, "/results/"))
	name := strings.TrimPrefix(res.SegmentedImage, "/results/")
	assert.True(t, strings.HasSuffix(name, "_segmented_ecg.png"))
	assert.Equal(t, []string{name}, h.files(t, h.resultDir))
	assert.Len(t, h.files(t, h.uploadDir), 2)

	assert.Equal(t, int32(1), h.reclaims.Load())
}

func TestProcess_ValidationPersistsNothing(t *testing.T) {
	cases := map[string]func(p *Parts){
		"missing image":  func(p *Parts) { p.Image = nil },
		"missing json":   func(p *Parts) { p.JSON = nil },
		"empty filename": func(p *Parts) { p.Image.Filename = "" },
		"blank json name": func(p *Parts) {
			p.JSON.Filename = "  "
		},
		"empty payload": func(p *Parts) { p.JSON.Data = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			parts := validParts(t)
			mutate(&parts)

			_, err := h.svc.Process(context.Background(), parts)
			assert.True(t, IsCode(err, CodeValidation), "got %v", err)

			status, _ := Assemble(nil, err)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Empty(t, h.files(t, h.uploadDir))
			assert.Empty(t, h.files(t, h.resultDir))
			assert.Zero(t, h.models.calls.Load())
			assert.Equal(t, int32(1), h.reclaims.Load())
		})
	}
}

func TestProcessIn_ReleasesCallerScope(t *testing.T) {
	h := newHarness(t, Options{})

	scope := h.svc.Begin()
	var released atomic.Bool
	scope.Track(func() error {
		released.Store(true)
		return nil
	})

	_, err := h.svc.ProcessIn(context.Background(), scope, Parts{})
	assert.True(t, IsCode(err, CodeValidation))
	assert.True(t, released.Load())

	scope.Release()
	assert.Equal(t, int32(1), h.reclaims.Load())
}

func TestProcess_ModelUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.models.handle, h.models.err = nil, model.ErrNoWeights

	_, err := h.svc.Process(context.Background(), validParts(t))
	assert.True(t, IsCode(err, CodeModelUnavailable))
	assert.ErrorIs(t, err, model.ErrNoWeights)

	status, _ := Assemble(nil, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Zero(t, h.segCalls.Load())
	assert.Zero(t, h.preCalls.Load())
	assert.Empty(t, h.files(t, h.uploadDir))
	assert.Equal(t, int32(1), h.reclaims.Load())
}

func TestProcess_SegmentationFailureSkipsPrediction(t *testing.T) {
	cases := map[string]SegmentFunc{
		"nil image": func(annotation.Document, imaging.RawImage) (image.Image, error) { return nil, nil },
		"error": func(annotation.Document, imaging.RawImage) (image.Image, error) {
			return nil, errors.New("mask failed")
		},
	}
	for name, seg := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.segment = seg

			_, err := h.svc.Process(context.Background(), validParts(t))
			assert.True(t, IsCode(err, CodeSegmentation))
			status, _ := Assemble(nil, err)
			assert.Equal(t, http.StatusInternalServerError, status)
			assert.Zero(t, h.preCalls.Load())
			assert.Empty(t, h.files(t, h.resultDir))
			assert.Equal(t, int32(1), h.reclaims.Load())
		})
	}
}

func TestProcess_PredictionFailure(t *testing.T) {
	cases := map[string]PredictFunc{
		"empty": func(string, *model.Handle, []string, model.Device, *reclaim.Scope) (model.PredictionResult, error) {
			return nil, nil
		},
		"error": func(string, *model.Handle, []string, model.Device, *reclaim.Scope) (model.PredictionResult, error) {
			return nil, errors.New("inference failed")
		},
	}
	for name, pred := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.predict = pred

			_, err := h.svc.Process(context.Background(), validParts(t))
			assert.True(t, IsCode(err, CodePrediction))
			assert.Equal(t, int32(1), h.reclaims.Load())
		})
	}
}

func TestProcess_LoadErrors(t *testing.T) {
	t.Run("undecodable image", func(t *testing.T) {
		h := newHarness(t, Options{})
		parts := validParts(t)
		parts.Image.Data = []byte("not an image")

		_, err := h.svc.Process(context.Background(), parts)
		assert.True(t, IsCode(err, CodeLoad))
		assert.ErrorIs(t, err, imaging.ErrDecode)
		assert.Zero(t, h.segCalls.Load())
	})
	t.Run("unparsable json", func(t *testing.T) {
		h := newHarness(t, Options{})
		parts := validParts(t)
		parts.JSON.Data = []byte(`{"shapes": [`)

		_, err := h.svc.Process(context.Background(), parts)
		assert.True(t, IsCode(err, CodeLoad))
		assert.ErrorIs(t, err, annotation.ErrInvalid)
		status, body := Assemble(nil, err)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, ErrorBody{Error: CodeLoad.Message()}, body)
		assert.Zero(t, h.segCalls.Load())
	})
}

func TestProcess_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, Options{})
	h.segment = func(annotation.Document, imaging.RawImage) (image.Image, error) {
		panic("index out of range")
	}

	res, err := h.svc.Process(context.Background(), validParts(t))
	assert.Nil(t, res)
	assert.True(t, IsCode(err, CodeInternal))
	assert.Equal(t, int32(1), h.reclaims.Load())
}

func TestProcess_ResizesBeforeSegmentation(t *testing.T) {
	h := newHarness(t, Options{MaxImageDim: 1024})

	var w, ht int
	h.segment = func(doc annotation.Document, img imaging.RawImage) (image.Image, error) {
		w, ht = img.Width(), img.Height()
		return img.Image, nil
	}

	parts := validParts(t)
	parts.Image.Data = pngBytes(t, 2000, 1000)
	_, err := h.svc.Process(context.Background(), parts)
	require.NoError(t, err)

	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, ht)
}

func TestProcess_ConcurrentUploadsNeverCollide(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 4})

	const n = 12
	urls := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Process(context.Background(), validParts(t))
			if assert.NoError(t, err) {
				urls <- res.SegmentedImage
			}
		}()
	}
	wg.Wait()
	close(urls)

	seen := map[string]bool{}
	for u := range urls {
		assert.False(t, seen[u])
		seen[u] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, h.files(t, h.uploadDir), 2*n)
	assert.Len(t, h.files(t, h.resultDir), n)
	assert.Equal(t, int32(n), h.reclaims.Load())
}

func TestProcess_ConcurrencyLimitHonorsContext(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.segment = func(doc annotation.Document, img imaging.RawImage) (image.Image, error) {
		close(entered)
		<-release
		return img.Image, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Process(context.Background(), validParts(t))
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.svc.Process(ctx, validParts(t))
	assert.True(t, IsCode(err, CodeInternal))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, <-done)
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Deps{}, Options{MaxImageDim: 10})
	assert.Error(t, err)
}

func TestOverlayName(t *testing.T) {
	assert.Equal(t, "segmented_scan.png", overlayName("scan.jpeg"))
	assert.Equal(t, "segmented_scan.v2.png", overlayName(`C:\tmp\scan.v2.tif`))
	assert.Equal(t, "segmented_image.png", overlayName(".png"))
}
