package watchdog

// RecoveryLevel is one strategy in the escalating repair ladder. Levels form
// a total order; within one recovery episode attempts proceed in strictly
// ascending order, never skipping and never regressing.
type RecoveryLevel int

const (
	// LevelRefreshView reloads the current document view.
	LevelRefreshView RecoveryLevel = iota + 1

	// LevelNewView discards and recreates the active view inside the
	// existing context.
	LevelNewView

	// LevelNewContext replaces the browser context, carrying over
	// authentication state best-effort.
	LevelNewContext

	// LevelRestartDriver persists auth state, restarts the driver process
	// and restores the session.
	LevelRestartDriver

	// LevelFullReauthenticate tears everything down and performs a
	// complete login flow. Requires a login collaborator; without one this
	// level is treated as failed.
	LevelFullReauthenticate
)

func (l RecoveryLevel) String() string {
	switch l {
	case LevelRefreshView:
		return "refresh_view"
	case LevelNewView:
		return "new_view"
	case LevelNewContext:
		return "new_context"
	case LevelRestartDriver:
		return "restart_driver"
	case LevelFullReauthenticate:
		return "full_reauthenticate"
	default:
		return "none"
	}
}

// Valid reports whether l is one of the defined ladder levels.
func (l RecoveryLevel) Valid() bool {
	return l >= LevelRefreshView && l <= LevelFullReauthenticate
}
