package db

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yumyai/dbcanlight/logger"
	"go.uber.org/zap"
)

// MissingDatabaseError lists database files that have to be built first.
type MissingDatabaseError struct {
	Paths []string
}

func (e *MissingDatabaseError) Error() string {
	return fmt.Sprintf("Database file missing %s. Please use the build module to download the required databases.",
		strings.Join(e.Paths, ", "))
}

func (e *MissingDatabaseError) Is(target error) bool {
	return target == os.ErrNotExist
}

// Require checks that every database file exists before a search starts.
func Require(paths ...string) error {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, p)
			continue
		} else if err != nil {
			return fmt.Errorf("check database %s: %w", p, err)
		}
		logger.Debug("Found database", zap.String("path", p))
	}

	if len(missing) > 0 {
		return &MissingDatabaseError{Paths: missing}
	}
	return nil
}
