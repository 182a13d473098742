package core

import "github.com/google/uuid"

// NewID returns a random identifier for journal rows.
func NewID() string {
	return uuid.NewString()
}
