package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDecode marks input that is not a valid PNG or JPEG image.
	ErrDecode = errors.New("decode error")
	// ErrModelLoad marks an artifact or backend model that could not be loaded. Fatal at startup.
	ErrModelLoad = errors.New("model load error")
	// ErrInference marks any failure while running a model.
	ErrInference = errors.New("inference error")
)

// DecodeError wraps err (which may be nil) as an ErrDecode.
func DecodeError(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDecode, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrDecode, msg, err)
}

// ModelLoadError wraps err as an ErrModelLoad for the given model id.
func ModelLoadError(modelID string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrModelLoad, modelID, err)
}

// InferenceError wraps err as an ErrInference for the given stage.
func InferenceError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInference, stage, err)
}

// Problem implements RFC 9457
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`

	Log error `json:"-"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

func (p *Problem) MarshalJSON() ([]byte, error) {
	type Alias Problem

	data := make(map[string]interface{})

	for k, v := range p.Extensions {
		data[k] = v
	}

	stdJSON, err := json.Marshal(Alias(*p))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stdJSON, &data); err != nil {
		return nil, err
	}

	return json.Marshal(data)
}

type ProblemOption func(*Problem)

// New creates a generic Problem
func New(status int, title, detail string, opts ...ProblemOption) *Problem {
	p := &Problem{
		Type:       "about:blank",
		Title:      title,
		Status:     status,
		Detail:     detail,
		Extensions: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithExtension adds a custom key-value pair to the response
func WithExtension(key string, value interface{}) ProblemOption {
	return func(p *Problem) {
		p.Extensions[key] = value
	}
}

// WithLog attaches an internal error for server-side logging
func WithLog(err error) ProblemOption {
	return func(p *Problem) {
		p.Log = err
	}
}

// WithInstance sets the RFC "instance" member, usually the request path.
func WithInstance(instance string) ProblemOption {
	return func(p *Problem) {
		p.Instance = instance
	}
}

// ValidationError creates a rich validation error
func ValidationError(validationErrors map[string]string) *Problem {
	return New(
		http.StatusBadRequest,
		"Validation Error",
		"One or more fields failed validation",
		WithExtension("errors", validationErrors),
	)
}

// BadRequestError creates a standard error for a bad request
func BadRequestError(detail string, opts ...ProblemOption) *Problem {
	return New(http.StatusBadRequest, "Bad Request", detail, opts...)
}

// TooLargeError is returned when an upload exceeds the configured limit.
func TooLargeError(limit int64) *Problem {
	return New(
		http.StatusRequestEntityTooLarge,
		"Payload Too Large",
		fmt.Sprintf("image must be at most %d bytes", limit),
		WithExtension("limit_bytes", limit),
	)
}

// InternalError hides err from the client and keeps it for the server log.
func InternalError(err error) *Problem {
	return New(
		http.StatusInternalServerError,
		"Internal Server Error",
		"An unexpected error occurred.",
		WithLog(err),
	)
}

// ProblemFor maps a service error onto the problem document returned to HTTP clients.
func ProblemFor(err error) *Problem {
	var problem *Problem
	switch {
	case errors.As(err, &problem):
		return problem
	case errors.Is(err, ErrDecode):
		return New(http.StatusBadRequest, "Invalid Image", err.Error(), WithLog(err))
	default:
		return InternalError(err)
	}
}
