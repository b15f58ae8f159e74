// Package classify maps raw engine output lines to log categories.
package classify

import (
	"strings"

	"github.com/mpataki/phonepilot/internal/models"
)

type Origin int

const (
	Stdout Origin = iota
	Stderr
)

func (o Origin) String() string {
	if o == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Markers emitted by the automation engine. Matching is case-sensitive
// substring containment, checked in this order.
var (
	ThinkingMarkers = []string{"💭", "思考", "Thinking"}
	ActionMarkers   = []string{"🎯", "动作", "Action"}
	SuccessMarkers  = []string{"✅", "成功", "Success"}
	FailureMarkers  = []string{"❌", "失败", "Error"}
)

// Classify returns the category for a line and the trimmed message.
// ok is false when the line is blank and no entry should be emitted.
// Stderr always classifies as an error regardless of content.
func Classify(origin Origin, raw string) (category models.Category, message string, ok bool) {
	message = strings.TrimSpace(raw)
	if message == "" {
		return "", "", false
	}

	switch {
	case origin == Stderr:
		category = models.CategoryError
	case containsAny(message, ThinkingMarkers):
		category = models.CategoryThinking
	case containsAny(message, ActionMarkers):
		category = models.CategoryAction
	case containsAny(message, SuccessMarkers):
		category = models.CategorySuccess
	case containsAny(message, FailureMarkers):
		category = models.CategoryError
	default:
		category = models.CategoryInfo
	}
	return category, message, true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
