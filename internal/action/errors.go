package action

import "errors"

// ErrNotRunning is returned by any BuildContext method called after the
// action's ActionDriver has already reached a terminal state. It
// signals a programmer error in the Action implementation, not a build
// failure.
var ErrNotRunning = errors.New("action: build context called outside RUNNING state")
