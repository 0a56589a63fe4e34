package cache

import "errors"

// ErrNoSnapshot indicates that no snapshot has been published yet and the
// blocking first refresh did not produce one.
var ErrNoSnapshot = errors.New("cache: no snapshot available")
