package model

// Metadata describes the exported classifier. Classes is in output-vector order.
type Metadata struct {
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	Mean        []float32 `json:"mean"`
	Std         []float32 `json:"std"`
	Activation  string    `json:"activation"` // softmax (default) or none
}

// Prediction is one class score, serialized the way the upload client reads it.
type Prediction struct {
	Class       string  `json:"class"`
	Probability float32 `json:"probability"`
}

// PredictionResult is ranked by descending probability.
type PredictionResult []Prediction

// Top returns the highest ranked prediction.
func (r PredictionResult) Top() (Prediction, bool) {
	if len(r) == 0 {
		return Prediction{}, false
	}
	return r[0], true
}

type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateFailed   State = "failed"
)
