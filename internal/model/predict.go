package model

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/cardio-api/internal/imaging"
	"github.com/Brownie44l1/cardio-api/internal/reclaim"
)

// Session runs one forward pass. Native buffers it allocates are tracked on scope.
type Session interface {
	Run(input []float32, shape []int64, scope *reclaim.Scope) ([]float32, error)
	Close() error
}

// Handle is a loaded classifier bound to a compute device.
type Handle struct {
	Device   Device
	Metadata Metadata
	session  Session
}

func NewHandle(device Device, meta Metadata, session Session) *Handle {
	return &Handle{Device: device, Metadata: meta, session: session}
}

// Classes returns a copy of the class list in output-vector order.
func (h *Handle) Classes() []string {
	return slices.Clone(h.Metadata.Classes)
}

func (h *Handle) Close() error {
	if h.session == nil {
		return nil
	}
	return h.session.Close()
}

// Predict classifies the overlay stored at overlayPath. classes must be the
// handle's own list in the same order; scores are mapped to labels by index.
func Predict(overlayPath string, h *Handle, classes []string, device Device, scope *reclaim.Scope) (PredictionResult, error) {
	if h == nil {
		return nil, errors.New("model handle is nil")
	}
	if device != h.Device {
		return nil, fmt.Errorf("model is bound to %s, not %s", h.Device, device)
	}
	if !slices.Equal(classes, h.Metadata.Classes) {
		return nil, errors.New("class list does not match the loaded model")
	}

	raw, err := imaging.DecodeFile(overlayPath)
	if err != nil {
		return nil, fmt.Errorf("load overlay: %w", err)
	}

	input := Tensor(raw.Image, h.Metadata)
	output, err := h.session.Run(input, h.Metadata.InputShape, scope)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(output) != len(classes) {
		return nil, fmt.Errorf("model returned %d scores for %d classes", len(output), len(classes))
	}

	scores := output
	if h.Metadata.Activation != "none" {
		scores = Softmax(output)
	}
	return Rank(classes, scores), nil
}

// Tensor converts img to the normalized CHW float32 layout the model expects.
func Tensor(img image.Image, meta Metadata) []float32 {
	size := uint(meta.ImageSize)
	resized := resize.Resize(size, size, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*width + x
			data[i] = (float32(r)/65535.0 - meta.Mean[0]) / meta.Std[0]
			data[plane+i] = (float32(g)/65535.0 - meta.Mean[1]) / meta.Std[1]
			data[2*plane+i] = (float32(b)/65535.0 - meta.Mean[2]) / meta.Std[2]
		}
	}
	return data
}

// Softmax is numerically stabilized by subtracting the max logit.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := slices.Max(logits)
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Rank pairs scores[i] with classes[i] and orders by descending score. Ties keep class order.
func Rank(classes []string, scores []float32) PredictionResult {
	result := make(PredictionResult, len(scores))
	for i, s := range scores {
		result[i] = Prediction{Class: classes[i], Probability: s}
	}
	slices.SortStableFunc(result, func(a, b Prediction) int {
		return cmp.Compare(b.Probability, a.Probability)
	})
	return result
}
