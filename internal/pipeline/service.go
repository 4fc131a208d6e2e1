// Package pipeline runs one upload through validation, persistence, resizing,
// segmentation and classification, and shapes the response envelope.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/cardio-api/internal/annotation"
	"github.com/Brownie44l1/cardio-api/internal/imaging"
	"github.com/Brownie44l1/cardio-api/internal/model"
	"github.com/Brownie44l1/cardio-api/internal/reclaim"
	"github.com/Brownie44l1/cardio-api/internal/storage"
)

// SegmentFunc renders annotation shapes onto img. A nil image is a failure.
type SegmentFunc func(doc annotation.Document, img imaging.RawImage) (image.Image, error)

// PredictFunc classifies the overlay stored at overlayPath. An empty result is a failure.
type PredictFunc func(overlayPath string, h *model.Handle, classes []string, device model.Device, scope *reclaim.Scope) (model.PredictionResult, error)

// ModelProvider hands out the shared classifier, loading it on first use.
type ModelProvider interface {
	EnsureReady(ctx context.Context) (*model.Handle, error)
}

type Deps struct {
	Store     *storage.Store
	Models    ModelProvider
	Segment   SegmentFunc
	Predict   PredictFunc
	Reclaimer *reclaim.Reclaimer
	Logger    *slog.Logger
}

type Options struct {
	MaxImageDim   int
	MaxConcurrent int // 0 means unbounded
}

// State is the furthest point a request reached.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StatePersisted State = "persisted"
	StateResized   State = "resized"
	StateLoaded    State = "loaded"
	StateSegmented State = "segmented"
	StatePredicted State = "predicted"
	StateResponded State = "responded"
)

type Service struct {
	deps Deps
	opts Options
	sem  *semaphore.Weighted
}

func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil || deps.Models == nil || deps.Segment == nil || deps.Predict == nil || deps.Reclaimer == nil {
		return nil, errors.New("pipeline: store, models, segment, predict and reclaimer are required")
	}
	if opts.MaxImageDim <= 0 {
		return nil, fmt.Errorf("pipeline: max image dimension must be positive, got %d", opts.MaxImageDim)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Service{deps: deps, opts: opts}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return s, nil
}

// Begin opens a reclaim scope for a request whose body is buffered before Process
// runs. The caller must defer Release.
func (s *Service) Begin() *reclaim.Scope {
	return s.deps.Reclaimer.Begin()
}

// Process handles one upload end to end in its own reclaim scope.
func (s *Service) Process(ctx context.Context, parts Parts) (*Result, error) {
	scope := s.Begin()
	defer scope.Release()
	return s.ProcessIn(ctx, scope, parts)
}

// ProcessIn handles one upload end to end, tracking native buffers on scope and
// releasing it on every exit path, including a panic in a stage.
//
// Model readiness is checked right after validation, ahead of persistence, so an
// unavailable model answers 503 without writing artifacts or running any stage.
func (s *Service) ProcessIn(ctx context.Context, scope *reclaim.Scope, parts Parts) (res *Result, err error) {
	log := s.deps.Logger.With("request_id", uuid.NewString())
	state := StateReceived
	start := time.Now()

	defer scope.Release()

	defer func() {
		if p := recover(); p != nil {
			log.Error("pipeline.panic", "state", state, "panic", p, "stack", string(debug.Stack()))
			res, err = nil, fail("pipeline", CodeInternal, fmt.Errorf("panic: %v", p))
		}
		if err != nil {
			log.Warn("pipeline.failed",
				"state", state,
				"code", CodeOf(err),
				"error", err,
				"took", time.Since(start),
			)
			return
		}
		state = StateResponded
		log.Info("pipeline.completed", "took", time.Since(start))
	}()

	if err := Validate(parts); err != nil {
		return nil, err
	}
	state = StateValidated

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fail("queue", CodeInternal, err)
		}
		defer s.sem.Release(1)
	}

	// Checked before anything is written so an unavailable model leaves no artifacts.
	handle, err := s.deps.Models.EnsureReady(ctx)
	if err != nil {
		return nil, fail("model", CodeModelUnavailable, err)
	}

	imageRec, err := s.deps.Store.Persist(parts.Image.Data, parts.Image.Filename, storage.CategoryUpload)
	if err != nil {
		return nil, fail("persist", CodeInternal, err)
	}
	jsonRec, err := s.deps.Store.Persist(parts.JSON.Data, parts.JSON.Filename, storage.CategoryUpload)
	if err != nil {
		return nil, fail("persist", CodeInternal, err)
	}
	state = StatePersisted
	log.Debug("pipeline.persisted", "image", imageRec.Name, "json", jsonRec.Name)

	raw, err := imaging.BoundDimensions(imageRec.Path, s.opts.MaxImageDim)
	if err != nil {
		if errors.Is(err, imaging.ErrDecode) {
			return nil, fail("preprocess", CodeLoad, err)
		}
		return nil, fail("preprocess", CodeProcessing, err)
	}
	state = StateResized
	log.Debug("pipeline.resized",
		"image", filepath.Base(raw.Path),
		"source", fmt.Sprintf("%dx%d", raw.SourceWidth, raw.SourceHeight),
		"bounded", fmt.Sprintf("%dx%d", raw.Width(), raw.Height()),
	)

	doc, err := annotation.Parse(parts.JSON.Data)
	if err != nil {
		return nil, fail("load", CodeLoad, err)
	}
	state = StateLoaded

	overlay, err := s.deps.Segment(doc, raw)
	if err == nil && overlay == nil {
		err = errors.New("segmenter returned no image")
	}
	if err != nil {
		return nil, fail("segment", CodeSegmentation, err)
	}
	state = StateSegmented

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, overlay, "png"); err != nil {
		return nil, fail("segment", CodeProcessing, err)
	}
	overlayRec, err := s.deps.Store.Persist(buf.Bytes(), overlayName(parts.Image.Filename), storage.CategoryResult)
	if err != nil {
		return nil, fail("persist", CodeInternal, err)
	}

	predictions, err := s.deps.Predict(overlayRec.Path, handle, handle.Classes(), handle.Device, scope)
	if err == nil && len(predictions) == 0 {
		err = errors.New("classifier returned no predictions")
	}
	if err != nil {
		return nil, fail("predict", CodePrediction, err)
	}
	state = StatePredicted

	if top, ok := predictions.Top(); ok {
		log.Info("pipeline.predicted", "class", top.Class, "probability", top.Probability, "overlay", overlayRec.Name)
	}

	return &Result{
		Predictions:    predictions,
		Annotations:    doc.Shapes,
		SegmentedImage: ResultURL(overlayRec.Name),
	}, nil
}

func overlayName(imageName string) string {
	base := filepath.Base(strings.ReplaceAll(imageName, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "image"
	}
	return "segmented_" + stem + ".png"
}
