package inference

// Precision represents the precision an accelerator runs a model at.
type Precision string

const (
	// PrecisionAccuracy runs the model at its own input precision (OpenVINO's default).
	PrecisionAccuracy Precision = "ACCURACY"
	// PrecisionFP32 represents 32-bit floating point precision.
	PrecisionFP32 Precision = "FP32"
	// PrecisionFP16 represents 16-bit floating point precision.
	PrecisionFP16 Precision = "FP16"
	// PrecisionINT8 represents 8-bit integer precision.
	PrecisionINT8 Precision = "INT8"
)

// Valid reports whether p is one of the known precisions. The empty precision is valid
// and leaves the choice to the provider.
func (p Precision) Valid() bool {
	switch p {
	case "", PrecisionAccuracy, PrecisionFP32, PrecisionFP16, PrecisionINT8:
		return true
	}
	return false
}
