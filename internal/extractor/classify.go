package extractor

import (
	"errors"
	"strings"
)

// FailureClass buckets fetch failures for the orchestrator's retry and
// status decisions.
type FailureClass int

const (
	// ClassGeneric is any failure without a recognized signal.
	ClassGeneric FailureClass = iota
	// ClassQualityBlocked covers access-denied/forbidden responses; the
	// orchestrator attempts one downgrade-and-retry.
	ClassQualityBlocked
	// ClassAgeRestricted covers explicit age/content-gate refusals.
	ClassAgeRestricted
	// ClassFormatUnavailable covers "requested format is not available"
	// style failures; it also feeds the restriction detector heuristic.
	ClassFormatUnavailable
	// ClassNetwork covers connectivity and timeout failures.
	ClassNetwork
	// ClassCancelled is a user-requested abort, never an item failure.
	ClassCancelled
)

func (c FailureClass) String() string {
	switch c {
	case ClassQualityBlocked:
		return "quality_blocked"
	case ClassAgeRestricted:
		return "age_restricted"
	case ClassFormatUnavailable:
		return "format_unavailable"
	case ClassNetwork:
		return "network"
	case ClassCancelled:
		return "cancelled"
	default:
		return "generic"
	}
}

var ageGatePhrases = []string{
	"age restricted",
	"age-restricted",
	"sign in to confirm your age",
	"this video may be inappropriate",
	"content warning",
	"requires age verification",
	"age gate",
}

// Classify maps a fetch error to its failure class by signal pattern. The
// tool reports failures as opaque text, so matching is by message.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassGeneric
	}
	if errors.Is(err, ErrCancelled) {
		return ClassCancelled
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "http error 403") || strings.Contains(msg, "403: forbidden") ||
		strings.Contains(msg, "access denied") {
		return ClassQualityBlocked
	}
	for _, phrase := range ageGatePhrases {
		if strings.Contains(msg, phrase) {
			return ClassAgeRestricted
		}
	}
	if strings.Contains(msg, "requested format is not available") ||
		(strings.Contains(msg, "format") && strings.Contains(msg, "not available")) {
		return ClassFormatUnavailable
	}
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "network") || strings.Contains(msg, "connection") {
		return ClassNetwork
	}
	return ClassGeneric
}
