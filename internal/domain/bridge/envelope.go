package bridge

// Envelope is the uniform response shape returned by every synthesized
// endpoint and meta operation.
//
// Success:  { "ok": true,  "result": ..., "output": ... }
// Failure:  { "ok": false, "error": {...}, "output": ... }
type Envelope struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *EnvelopeError `json:"error,omitempty"`
	Output *Output        `json:"output,omitempty"`
}

// EnvelopeError is the error object inside a failure envelope.
type EnvelopeError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Output is the structured-output block attached when structured output
// mode is enabled.
type Output struct {
	Type  string       `json:"type"`
	Items []OutputItem `json:"items"`
}

// OutputItem is one flattened content item in structured-output form.
type OutputItem struct {
	Type     string `json:"type"`
	Value    any    `json:"value,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Success builds a success envelope for the given result.
func Success(result any) *Envelope {
	return &Envelope{OK: true, Result: result}
}

// Failure builds a failure envelope from a domain error.
func Failure(err *Error) *Envelope {
	return &Envelope{OK: false, Error: &EnvelopeError{
		Message: err.Message,
		Code:    err.Code,
		Data:    err.Data,
	}}
}

// WithOutput attaches a structured-output collection. Failure envelopes
// carry an empty items list so the shape stays stable for clients.
func (e *Envelope) WithOutput(items []OutputItem) *Envelope {
	if items == nil {
		items = []OutputItem{}
	}
	e.Output = &Output{Type: "collection", Items: items}
	return e
}
