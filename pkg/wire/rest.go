package wire

// APIError is the error half of the REST envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the REST response body. Exactly one of Data and Error is
// non-null.
type Envelope struct {
	Data  any       `json:"data"`
	Error *APIError `json:"error"`
}

// OK wraps a successful payload in the REST envelope.
func OK(data any) Envelope {
	return Envelope{Data: data}
}

// Err wraps an error in the REST envelope.
func Err(code, message string) Envelope {
	return Envelope{Error: &APIError{Code: code, Message: message}}
}
