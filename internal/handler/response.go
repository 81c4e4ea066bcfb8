// Package handler holds the JSON envelope shared by every HTTP surface of
// the ingest API, webhook callbacks included.
package handler

// Response is the wire envelope. Status is "success" or "error"; Message
// carries the error text, Data the payload. Pub/Sub only looks at the HTTP
// status code, so webhook acks reuse the same shape.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}
