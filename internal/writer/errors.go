package writer

import "errors"

// ErrNoClient is returned by Tick when the scheduler has no protocol client.
var ErrNoClient = errors.New("writer: no protocol client")
