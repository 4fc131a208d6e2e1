package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failed request. It is the only failure detail callers see.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeLoad             Code = "LOAD_ERROR"
	CodeProcessing       Code = "PROCESSING_ERROR"
	CodeSegmentation     Code = "SEGMENTATION_ERROR"
	CodePrediction       Code = "PREDICTION_ERROR"
	CodeModelUnavailable Code = "MODEL_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Status maps a code to its HTTP status.
func (c Code) Status() int {
	switch c {
	case CodeValidation, CodeLoad:
		return http.StatusBadRequest
	case CodeModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message is the fixed user-facing text for a code.
func (c Code) Message() string {
	switch c {
	case CodeValidation:
		return "Both an image and a JSON file are required"
	case CodeLoad:
		return "Failed to load the submitted image or annotation file"
	case CodeProcessing:
		return "Failed to process the image"
	case CodeSegmentation:
		return "Segmentation failed"
	case CodePrediction:
		return "Prediction failed"
	case CodeModelUnavailable:
		return "Model is not available, try again later"
	default:
		return "Internal server error"
	}
}

// StageError wraps the cause of a failed stage.
type StageError struct {
	Stage string
	Code  Code
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s: %s", e.Stage, e.Code)
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func fail(stage string, code Code, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

// CodeOf returns the code carried by err, or CodeInternal for anything else.
func CodeOf(err error) Code {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a StageError with the given code.
func IsCode(err error, code Code) bool {
	var se *StageError
	return errors.As(err, &se) && se.Code == code
}
