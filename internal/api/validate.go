package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields.
const maxNameLen = 200

// maxLongStringLen is the maximum length for longer free-text fields.
const maxLongStringLen = 1000

// phoneRe validates E.164 phone numbers: leading +, 8 to 15 digits.
var phoneRe = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validatePhoneNumber checks that a required phone number is E.164 formatted.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must be an E.164 phone number (e.g. +15551234567)"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
