package repository

import "strings"

// isUniqueViolation reports whether err came from a unique-constraint
// failure, recognizing both the sqlite ("UNIQUE constraint failed") and
// postgres ("duplicate key value violates unique constraint") driver
// messages rather than depending on either driver's typed error, since this
// package supports both dialects (see db.New).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key value")
}
