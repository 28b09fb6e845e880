// Package telemetry provides request tagging for structured logging and
// OpenTelemetry metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	// surfaceKey carries the surface into work that outlives the request.
	surfaceKey contextKey = "surface"
)

// Result is the business outcome of a request, recorded next to its status.
type Result string

const (
	ResultOK          Result = "ok"
	ResultNotFound    Result = "not_found"
	ResultNotModified Result = "not_modified"
	ResultInvalid     Result = "invalid"
	ResultError       Result = "error"
	ResultNone        Result = "none"
)

// RequestTags holds mutable request metadata that handlers set for logging
// and metrics.
type RequestTags struct {
	Surface  string
	Result   Result
	Endpoint string
}

// InjectTags returns r with an empty RequestTags in its context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNone}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags returns the request tags or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetResult sets the request result.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetSurface names the API surface serving the request, e.g. "revocations".
func SetSurface(r *http.Request, surface string) {
	if tags := GetTags(r); tags != nil {
		tags.Surface = surface
	}
}

// SetEndpoint sets the endpoint for the detail metric.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SurfaceFromContext returns the surface set by WithSurfaceContext or by
// SetSurface on the request.
func SurfaceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(surfaceKey).(string); ok && s != "" {
		return s
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Surface
	}
	return ""
}

// WithSurfaceContext returns a context carrying surface.
func WithSurfaceContext(ctx context.Context, surface string) context.Context {
	return context.WithValue(ctx, surfaceKey, surface)
}
