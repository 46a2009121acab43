package dto

// ErrorResponse is the error envelope for all gate endpoints. Code carries
// the machine-readable taxonomy value (SEAT_UNAVAILABLE, DUPLICATE_REQUEST,
// INVALID_REQUEST, STORE_UNAVAILABLE, INTERNAL_ERROR).
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse wraps operations that have no dedicated response body
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}
