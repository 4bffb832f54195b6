package shared

import "errors"

// ErrActorMissing occurs when a mutating request carries no operator id.
var ErrActorMissing = errors.New("actor missing")
