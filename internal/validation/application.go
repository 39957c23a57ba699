// Package validation holds input validators shared by the service and HTTP layers.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxReviewCommentLength bounds reviewer comments, in runes.
	MaxReviewCommentLength = 2000
	// MaxApplicationDataBytes bounds the submitted form payload.
	MaxApplicationDataBytes = 64 * 1024
)

// ValidateApplicationData checks that raw is a JSON object carrying a non-empty value
// for every required field. It returns per-field messages; nil means valid.
func ValidateApplicationData(raw []byte, required []string) map[string]string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]string{"data": "data is required"}
	}
	if len(raw) > MaxApplicationDataBytes {
		return map[string]string{"data": fmt.Sprintf("data must be at most %d bytes", MaxApplicationDataBytes)}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return map[string]string{"data": "data must be a JSON object"}
	}

	var fields map[string]string
	for _, name := range required {
		if isBlank(payload[name]) {
			if fields == nil {
				fields = make(map[string]string)
			}
			fields[name] = name + " is required"
		}
	}
	return fields
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// ValidateReviewComment validates an optional reviewer comment.
func ValidateReviewComment(comment string) error {
	if utf8.RuneCountInString(comment) > MaxReviewCommentLength {
		return fmt.Errorf("comment must be at most %d characters", MaxReviewCommentLength)
	}
	return nil
}
