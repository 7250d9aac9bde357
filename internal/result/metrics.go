package result

// Binding strength categories, strongest first.
const (
	BindingVeryStrong = "Very Strong"
	BindingStrong     = "Strong"
	BindingModerate   = "Moderate"
	BindingWeak       = "Weak"
	BindingVeryWeak   = "Very Weak/Decoy"
)

// Confidence categories, highest first.
const (
	ConfidenceVeryHigh = "Very High"
	ConfidenceHigh     = "High"
	ConfidenceModerate = "Moderate"
	ConfidenceLow      = "Low"
	ConfidenceVeryLow  = "Very Low"
)

// PIC50 converts a raw log10(IC50) prediction to pIC50 as (6 - x) * 1.364.
// The factor is applied as 1364/1000 so that values like PIC50(0) = 8.184
// come out as the nearest double rather than one ulp off.
func PIC50(logIC50 float64) float64 {
	return (6 - logIC50) * 1364 / 1000
}

// BindingStrength classifies a raw log10(IC50) prediction. Each boundary
// belongs to the stronger category.
func BindingStrength(logIC50 float64) string {
	switch {
	case logIC50 <= -2:
		return BindingVeryStrong
	case logIC50 <= -1:
		return BindingStrong
	case logIC50 <= 0:
		return BindingModerate
	case logIC50 <= 2:
		return BindingWeak
	default:
		return BindingVeryWeak
	}
}

// ConfidenceCategory classifies a model's confidence score.
func ConfidenceCategory(score float64) string {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.7:
		return ConfidenceModerate
	case score >= 0.6:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

func newAffinityValue(pred float64, prob *float64) AffinityValue {
	return AffinityValue{
		PredValue:         pred,
		ProbabilityBinary: prob,
		PIC50:             PIC50(pred),
		BindingStrength:   BindingStrength(pred),
	}
}
