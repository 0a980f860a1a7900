package api

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxNameLen is the maximum length for project names.
const maxNameLen = 200

// maxShortStringLen is the maximum length for usernames and identifiers.
const maxShortStringLen = 64

// maxEmailLen is the maximum length for email addresses (RFC 5321).
const maxEmailLen = 254

// maxPasswordLen is the maximum length for passwords.
const maxPasswordLen = 256

// minPasswordLen is the minimum length for a new admin password.
const minPasswordLen = 8

// maxLongStringLen is the maximum length for descriptions and file names.
const maxLongStringLen = 1000

// maxNoteLen is the maximum length of an operator note.
const maxNoteLen = 4000

// emailRe is a basic email format regex. Not exhaustive; validates structure only.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// didRe accepts E.164 numbers; the leading "+" is optional because
// Asterisk reports the dialed DID without it on many trunks.
var didRe = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// greetingRe accepts Asterisk sound names such as "custom/acme-greeting".
var greetingRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-./]*$`)

// projectIDRe restricts caller-chosen project IDs to URL-safe characters.
var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-blank string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateEmail checks that a string is a valid-looking email address.
// Empty is allowed and disables email.
func validateEmail(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxEmailLen {
		return field + " exceeds maximum length"
	}
	if !emailRe.MatchString(value) {
		return field + " is not a valid email address"
	}
	return ""
}

// validateDID checks that a number looks like an E.164 DID.
func validateDID(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !didRe.MatchString(value) {
		return field + " must be an E.164 number"
	}
	return ""
}

// validatePassword checks a new password: at least minPasswordLen
// characters with a letter, a digit and a symbol.
func validatePassword(field, value string) string {
	n := utf8.RuneCountInString(value)
	if n < minPasswordLen {
		return field + " must be at least " + strconv.Itoa(minPasswordLen) + " characters"
	}
	if n > maxPasswordLen {
		return field + " exceeds maximum length"
	}
	var letter, digit, symbol bool
	for _, r := range value {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !letter || !digit || !symbol {
		return field + " must contain a letter, a digit and a symbol"
	}
	return ""
}

// validateGreeting checks an Asterisk sound file name. Empty means "use the
// default greeting".
func validateGreeting(field, value string) string {
	if value == "" {
		return ""
	}
	if msg := validateStringLen(field, value, maxLongStringLen); msg != "" {
		return msg
	}
	if !greetingRe.MatchString(value) || strings.Contains(value, "..") {
		return field + " is not a valid sound file name"
	}
	return ""
}

// validateProjectID checks an optional caller-chosen project ID.
func validateProjectID(field, value string) string {
	if value == "" {
		return ""
	}
	if msg := validateStringLen(field, value, maxShortStringLen); msg != "" {
		return msg
	}
	if !projectIDRe.MatchString(value) {
		return field + " may contain only letters, digits, '-' and '_'"
	}
	return ""
}

// validateMin checks that an optional int is at least min.
func validateMin(field string, value *int, min int) string {
	if value == nil || *value >= min {
		return ""
	}
	return field + " must be at least " + strconv.Itoa(min)
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

// firstError returns the first non-empty validation message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
