package interact

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOptionNotFound means a select or custom dropdown has no option
// matching the requested value
var ErrOptionNotFound = errors.New("option not found")

// InteractionError reports an action whose strategies were all exhausted.
// Attempted lists the strategies tried, in order. Callers decide whether to
// retry; the dispatcher never does.
type InteractionError struct {
	Action    string
	Reason    string
	Attempted []string
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s failed after [%s]: %s",
		e.Action, strings.Join(e.Attempted, ", "), e.Reason)
}
