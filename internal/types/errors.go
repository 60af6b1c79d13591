// Package types holds the payloads shared by the REST handlers and the auth
// middleware.
package types

// API error codes
const (
	CodeBadRequest   = "PSU_400"
	CodeUnauthorized = "PSU_401"
	CodeForbidden    = "PSU_403"
	CodeConflict     = "PSU_409"
	CodeInternal     = "PSU_500"
	CodeUnavailable  = "PSU_503"
	CodeTimeout      = "PSU_504"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the {"error":{code,message,details}} payload.
// details is omitted when nil.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// BadRequest is the common reply to an unparsable request body.
func BadRequest(err error) ErrorResponse {
	return NewErrorResponse(CodeBadRequest, "Invalid request body", err.Error())
}

// ValueRequest carries a set point or protection limit.
type ValueRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

// EnabledRequest switches the output or state reporting.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}
