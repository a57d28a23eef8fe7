// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for caller-supplied
// identifiers.
//
// Curriculum, topic and segment identifiers arrive from clients and end up
// in log attributes, metric-free event payloads and archive keys. Restricting
// them to a small printable alphabet keeps them safe to use as key suffixes
// and as single log tokens.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLen is the longest accepted identifier in bytes.
const MaxIdentifierLen = 256

// identifierPattern matches letters, digits and the separators . _ - : /
// with a leading letter or digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/\-]{0,255}$`)

// ValidateIdentifier checks a curriculum, topic, segment or session id.
//
// Valid identifiers:
//   - 1-256 bytes
//   - ASCII letters and digits
//   - Separators . _ - : / after the first character
//
// Example:
//
//	if err := validation.ValidateIdentifier(topicID); err != nil {
//	    return fmt.Errorf("invalid topic: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > MaxIdentifierLen {
		return fmt.Errorf("identifier too long: %d bytes (max %d)", len(id), MaxIdentifierLen)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q (letters, digits and . _ - : / only)", id)
	}
	return nil
}

// ValidateIdentifiers validates every id and lists all the invalid ones.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if ValidateIdentifier(id) != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %q", invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
