package citadel

import (
	"fmt"
	"regexp"
	"strings"
)

// Secret ids double as storage record names, so the grammar is deliberately
// narrow: no separators that could traverse paths, no leading punctuation.
var secretIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,252}$`)

func validateSecretID(secretID string) error {
	if secretID == "" {
		return &InputError{Field: "secret id", Reason: "cannot be empty"}
	}
	if len(secretID) > 253 {
		return &InputError{Field: "secret id", Reason: "too long (max 253 characters)"}
	}
	if strings.Contains(secretID, "..") {
		return &InputError{Field: "secret id", Reason: "contains path traversal sequence"}
	}
	if !secretIDRegex.MatchString(secretID) {
		return &InputError{
			Field:  "secret id",
			Reason: fmt.Sprintf("%q contains invalid characters (allowed: a-z, A-Z, 0-9, '.', '_', '-'; must start alphanumeric)", secretID),
		}
	}
	return nil
}

func validateSecretValue(value []byte, maxSize int) error {
	if len(value) == 0 {
		return &InputError{Field: "secret value", Reason: "cannot be empty"}
	}
	if maxSize > 0 && len(value) > maxSize {
		return &InputError{
			Field:  "secret value",
			Reason: fmt.Sprintf("too large: %d bytes (max: %d)", len(value), maxSize),
		}
	}
	return nil
}

// hasAllTags reports whether secretTags contains every tag in requiredTags.
func hasAllTags(secretTags, requiredTags []string) bool {
	for _, requiredTag := range requiredTags {
		found := false
		for _, secretTag := range secretTags {
			if secretTag == requiredTag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func validateAndSanitizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}

	const (
		maxTags      = 50
		maxTagLength = 128
	)

	if len(tags) > maxTags {
		return nil, &InputError{
			Field:  "tags",
			Reason: fmt.Sprintf("too many: %d (max: %d)", len(tags), maxTags),
		}
	}

	validTags := make([]string, 0, len(tags))
	seenTags := make(map[string]bool)

	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if len(tag) == 0 {
			continue
		}

		if len(tag) > maxTagLength {
			return nil, &InputError{
				Field:  "tags",
				Reason: fmt.Sprintf("tag too long: %d characters (max: %d)", len(tag), maxTagLength),
			}
		}

		if !isValidTagFormat(tag) {
			return nil, &InputError{
				Field:  "tags",
				Reason: fmt.Sprintf("invalid tag %q (only alphanumeric, '-', '_', ':', '.' allowed)", tag),
			}
		}

		// Lowercase for consistent filtering
		tag = strings.ToLower(tag)

		if !seenTags[tag] {
			seenTags[tag] = true
			validTags = append(validTags, tag)
		}
	}

	return validTags, nil
}

func isValidTagFormat(tag string) bool {
	if len(tag) == 0 {
		return false
	}

	for _, r := range tag {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == ':' || r == '.') {
			return false
		}
	}

	return true
}

// copyMetadata deep copies SecretMetadata so callers can never mutate the
// registry's copy.
func copyMetadata(original *SecretMetadata) *SecretMetadata {
	if original == nil {
		return nil
	}

	metaCopy := &SecretMetadata{
		SecretID:         original.SecretID,
		Version:          original.Version,
		Description:      original.Description,
		Tags:             append([]string(nil), original.Tags...),
		PolicyRef:        original.PolicyRef,
		RotationInterval: original.RotationInterval,
		NextRotation:     original.NextRotation,
		Active:           original.Active,
		DeletedBy:        original.DeletedBy,
		CreatedAt:        original.CreatedAt,
		UpdatedAt:        original.UpdatedAt,
		AccessCount:      original.AccessCount,
		Size:             original.Size,
	}

	if original.CustomFields != nil {
		metaCopy.CustomFields = make(map[string]string, len(original.CustomFields))
		for k, v := range original.CustomFields {
			metaCopy.CustomFields[k] = v
		}
	}

	if original.LastRotation != nil {
		lastRotation := *original.LastRotation
		metaCopy.LastRotation = &lastRotation
	}

	if original.LastAccessed != nil {
		lastAccessed := *original.LastAccessed
		metaCopy.LastAccessed = &lastAccessed
	}

	if original.DeletedAt != nil {
		deletedAt := *original.DeletedAt
		metaCopy.DeletedAt = &deletedAt
	}

	if original.TamperFlaggedAt != nil {
		tamperFlaggedAt := *original.TamperFlaggedAt
		metaCopy.TamperFlaggedAt = &tamperFlaggedAt
	}

	return metaCopy
}
