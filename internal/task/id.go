package task

import "github.com/google/uuid"

// NewID returns a random task id.
func NewID() string { return uuid.NewString() }
