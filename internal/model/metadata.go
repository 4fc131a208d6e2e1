package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DefaultClasses is the alphabetical folder order the classifier was trained with.
var DefaultClasses = []string{
	"Abnormal Heartbeat",
	"History of MI",
	"Myocardial Infarction",
	"Normal",
}

func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, 3, 224, 224},
		OutputShape: []int64{1, int64(len(DefaultClasses))},
		Classes:     append([]string(nil), DefaultClasses...),
		ImageSize:   224,
		InputName:   "input",
		OutputName:  "output",
		Mean:        []float32{0.485, 0.456, 0.406},
		Std:         []float32{0.229, 0.224, 0.225},
		Activation:  "softmax",
	}
}

// LoadMetadata reads path over the defaults. A missing file yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	// Shapes and classes replace the defaults wholesale rather than merging.
	meta.InputShape, meta.OutputShape, meta.Classes = nil, nil, nil
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(meta.InputShape) == 0 {
		meta.InputShape = []int64{1, 3, int64(meta.ImageSize), int64(meta.ImageSize)}
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Validate checks the metadata is consistent with a single-image NCHW classifier.
func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata: classes must not be empty")
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c == "" || seen[c] {
			return fmt.Errorf("metadata: class %q is empty or duplicated", c)
		}
		seen[c] = true
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: image_size must be positive, got %d", m.ImageSize)
	}
	want := []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("metadata: input_shape %v must be NCHW", m.InputShape)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("metadata: input_shape %v does not match image_size %d", m.InputShape, m.ImageSize)
		}
	}
	if n := len(m.OutputShape); n > 0 && m.OutputShape[n-1] != int64(len(m.Classes)) {
		return fmt.Errorf("metadata: output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return errors.New("metadata: mean and std need one value per channel")
	}
	for _, s := range m.Std {
		if s == 0 {
			return errors.New("metadata: std must be non-zero")
		}
	}
	if m.InputName == "" || m.OutputName == "" {
		return errors.New("metadata: input_name and output_name are required")
	}
	switch m.Activation {
	case "softmax", "none":
	default:
		return fmt.Errorf("metadata: unknown activation %q", m.Activation)
	}
	return nil
}
