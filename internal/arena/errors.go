package arena

import "errors"

// Arena errors.
var (
	// ErrInvalidName is returned for plugin names that are not a single path element.
	ErrInvalidName = errors.New("invalid plugin name")

	// ErrConfigCorrupt is returned when a stored config document cannot be parsed
	// or is not a JSON object.
	ErrConfigCorrupt = errors.New("config document is corrupt")

	// ErrInvalidDefaults is returned when default config does not serialize to a JSON object.
	ErrInvalidDefaults = errors.New("config defaults must be a JSON object")

	// ErrKeyNotFound is returned when deleting a key that is not in the document.
	ErrKeyNotFound = errors.New("config key not found")

	// ErrEmptyKey is returned for an empty config key.
	ErrEmptyKey = errors.New("config key is empty")
)
