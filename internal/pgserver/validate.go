package pgserver

import (
	"regexp"
	"strconv"
	"strings"
)

// reservedPrefix is used by PostgreSQL for system roles and catalogs.
const reservedPrefix = "pg_"

// Port bounds, both exclusive.
const (
	minPort = 1024
	maxPort = 65535
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name can be used as a role or database
// name: a letter or underscore followed by letters, digits or underscores,
// not starting with the "pg_" prefix reserved by the server.
func IsValidIdentifier(name string) bool {
	if strings.HasPrefix(name, reservedPrefix) {
		return false
	}
	return identifierPattern.MatchString(name)
}

// ValidateIdentifier returns an ErrValidation error naming field when name is
// not a valid identifier.
func ValidateIdentifier(field, name string) error {
	if !IsValidIdentifier(name) {
		return validationError(field, strconv.Quote(name),
			"must contain only letters, digits and underscores, start with a letter or underscore, and not start with "+reservedPrefix)
	}
	return nil
}

// IsValidPort reports whether port lies strictly between 1024 and 65535.
func IsValidPort(port int) bool {
	return minPort < port && port < maxPort
}

// ParsePort parses s as a port number. Non-integer input and out-of-range
// values are both ErrValidation errors.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, validationError("port", strconv.Quote(s), "not an integer")
	}
	if !IsValidPort(port) {
		return 0, validationError("port", port, "not between 1024 and 65535")
	}
	return port, nil
}
