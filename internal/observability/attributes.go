// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrJobStatus  = "job_status"
	attrAffinity   = "affinity"
	attrField      = "field"
	attrUploadKind = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /api/jobs/abc123/results -> /api/jobs/{jobId}/results
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func affinityAttr(hasAffinity bool) attribute.KeyValue {
	return attribute.Bool(attrAffinity, hasAffinity)
}

func fieldAttr(field string) attribute.KeyValue {
	// sequences[3].id -> sequences.id
	var b strings.Builder
	depth := 0
	for _, r := range field {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return attribute.String(attrField, b.String())
}

func uploadKindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrUploadKind, kind)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/api/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := strings.SplitN(path[len(prefix):], "/", 3)
	switch len(rest) {
	case 1:
		return prefix + "{jobId}"
	case 2:
		return prefix + "{jobId}/" + rest[1]
	default:
		// /api/jobs/{jobId}/file/{filename}
		return prefix + "{jobId}/" + rest[1] + "/{name}"
	}
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithJobStatus returns a metric option with the job status attribute.
func WithJobStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(jobStatusAttr(status))
}
