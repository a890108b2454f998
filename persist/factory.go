package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateRecordID guards the stores against ids that could escape their
// record area. The engine validates ids first; this is the backstop.
func validateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("record id cannot be empty")
	}

	if strings.Contains(id, "..") ||
		strings.Contains(id, "/") ||
		strings.Contains(id, "\\") ||
		strings.ContainsAny(id, " \x00") {
		return fmt.Errorf("record id contains invalid characters")
	}

	if len(id) > 253 {
		return fmt.Errorf("record id too long (max 253 characters)")
	}

	return nil
}
