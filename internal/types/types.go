package types

import "time"

// Frame is a single JPEG pulled off the camera pipe
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// Box is a face rectangle in pixel coordinates of the analyzed image
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection matches one entry of the "faces" array coming back from Python
type Detection struct {
	Box         Box                `json:"box"`
	Expressions map[string]float64 `json:"expressions"`
}

// DetectionPass is the full reply for one frame. Width/Height describe the image
// the model actually looked at, which may be smaller than the camera frame.
type DetectionPass struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Faces  []Detection `json:"faces"`
}

// ErrorResult captures the error object returned by Python on failure
type ErrorResult struct {
	Error string `json:"error"`
}
