package middleware

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]{1,128}$`)

// ValidateTool checks the tool name against the supported adapters
func ValidateTool(tool string) error {
	_, err := scans.ParseTool(tool)
	return err
}

// ValidateID validates task and project ids taken from URLs
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s format (alphanumeric and ._:- only, max 128 chars)", kind)
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ValidateDays validates days parameter
func ValidateDays(days int) int {
	if days <= 0 {
		return 7 // default
	}
	if days > 365 {
		return 365 // max 1 year
	}
	return days
}
