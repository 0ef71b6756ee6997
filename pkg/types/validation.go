package types

import (
	"regexp"
	"sort"
	"time"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// IsValidID reports whether an identifier (user, class, student, workspace)
// is 1-50 characters of alphanumerics, underscore or hyphen.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidStatus reports whether status is one of the three recognized values.
func IsValidStatus(status string) bool {
	switch status {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	}
	return false
}

// IsValidDate reports whether date is a calendar date in YYYY-MM-DD form.
func IsValidDate(date string) bool {
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

// ValidateEntry checks one bulk entry. Empty student IDs and unrecognized
// statuses are rejected; notes are free-form.
func ValidateEntry(entry BulkEntry) error {
	if !IsValidID(entry.StudentID) {
		return ErrInvalidStudentID
	}
	if !IsValidStatus(entry.Status) {
		return ErrInvalidStatus
	}
	return nil
}

func sortedRecordKeys(records map[string]*AttendanceRecord) []string {
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedParticipantKeys(participants map[string]Identity) []string {
	keys := make([]string, 0, len(participants))
	for key := range participants {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
