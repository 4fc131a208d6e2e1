// Package annotation parses LabelMe-style annotation documents.
package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalid = errors.New("invalid annotation document")

// Document is an annotation file. Shapes holds the submitted "shapes" value
// verbatim; it is what callers get back, never a re-encoding of Parsed.
type Document struct {
	Shapes      json.RawMessage
	Parsed      []Shape
	ImageWidth  int
	ImageHeight int
}

// Shape is one labeled geometry.
type Shape struct {
	Label     string       `json:"label"`
	Points    [][2]float64 `json:"points"`
	ShapeType string       `json:"shape_type"`
}

// Type defaults to polygon, as LabelMe does for shapes without shape_type.
func (s Shape) Type() string {
	if s.ShapeType == "" {
		return "polygon"
	}
	return s.ShapeType
}

type wireDocument struct {
	Shapes      json.RawMessage `json:"shapes"`
	ImageWidth  int             `json:"imageWidth"`
	ImageHeight int             `json:"imageHeight"`
}

// Parse decodes data. The document must be a JSON object whose "shapes" member is an array.
func Parse(data []byte) (Document, error) {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	trimmed := bytes.TrimSpace(w.Shapes)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return Document{}, fmt.Errorf("%w: \"shapes\" must be an array", ErrInvalid)
	}

	var shapes []Shape
	if err := json.Unmarshal(trimmed, &shapes); err != nil {
		return Document{}, fmt.Errorf("%w: shapes: %v", ErrInvalid, err)
	}

	return Document{
		Shapes:      trimmed,
		Parsed:      shapes,
		ImageWidth:  w.ImageWidth,
		ImageHeight: w.ImageHeight,
	}, nil
}
