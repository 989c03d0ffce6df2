package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a batch identifier.
func New() string {
	return uuid.NewString()
}

// Short returns 8 random hex characters for naming files.
func Short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
