// Package ingestion accumulates dictated chart-prep notes and folds their
// summary back into the note fields exactly once per recording.
package ingestion

import (
	"regexp"

	"github.com/drfirst/visitnote/internal/domain/note"
)

// rules are checked in order; the first match wins
var rules = []struct {
	category note.PrepCategory
	pattern  *regexp.Regexp
}{
	{note.CategoryImaging, regexp.MustCompile(`(?i)\b(mri|ct|x-?ray|ultrasound|scans?|imaging)\b`)},
	{note.CategoryLabs, regexp.MustCompile(`(?i)\b(labs?|blood|a1c|cbc|panels?|levels?|cultures?)\b`)},
	{note.CategoryReferral, regexp.MustCompile(`(?i)\b(referral|refer|referred|consult)\b`)},
	{note.CategoryHistory, regexp.MustCompile(`(?i)\b(history|previous|prior|past)\b`)},
	{note.CategoryAssessment, regexp.MustCompile(`(?i)\b(assessment|diagnosis|impression|likely)\b`)},
}

// Classify assigns a prep category by keyword
func Classify(text string) note.PrepCategory {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r.category
		}
	}
	return note.CategoryGeneral
}
