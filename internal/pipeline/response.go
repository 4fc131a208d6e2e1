package pipeline

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/Brownie44l1/cardio-api/internal/model"
)

// Result is the success envelope.
type Result struct {
	Predictions    model.PredictionResult `json:"predictions"`
	Annotations    json.RawMessage        `json:"annotations"`
	SegmentedImage string                 `json:"segmented_image"`
}

// ErrorBody is the failure envelope. It never carries diagnostic detail.
type ErrorBody struct {
	Error string `json:"error"`
}

// Assemble picks the status and body for a processed request.
func Assemble(res *Result, err error) (int, any) {
	if err != nil {
		code := CodeOf(err)
		return code.Status(), ErrorBody{Error: code.Message()}
	}
	if res == nil {
		return CodeInternal.Status(), ErrorBody{Error: CodeInternal.Message()}
	}
	return http.StatusOK, res
}

// ResultURL is the retrieval path for a stored overlay.
func ResultURL(name string) string {
	return "/results/" + url.PathEscape(name)
}
