package ingesterrors

import "geoingest/internal/models"

// ToAPIError renders err in the shape returned to HTTP clients and recorded
// in event results.
func ToAPIError(err error) models.APIError {
	kind := KindOf(err)
	apiErr := models.APIError{
		Code:    string(kind),
		Message: err.Error(),
		NormalizedError: &models.NormalizedError{
			Code:      string(kind),
			Retryable: Retryable(kind),
		},
	}
	if idx, ok := FeatureIndexOf(err); ok {
		apiErr.Details = map[string]any{"featureIndex": idx}
	}
	return apiErr
}
