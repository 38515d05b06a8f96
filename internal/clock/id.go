package clock

import "github.com/google/uuid"

// IDGenerator produces message identifiers.
type IDGenerator interface {
	NewID() uuid.UUID
}

type randomIDs struct{}

// NewIDGenerator returns a generator of random (v4) UUIDs.
func NewIDGenerator() IDGenerator {
	return randomIDs{}
}

func (randomIDs) NewID() uuid.UUID {
	return uuid.New()
}
