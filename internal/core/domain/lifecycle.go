package domain

type LifecycleState string

const (
	LifecycleIdle      LifecycleState = "idle"
	LifecyclePreparing LifecycleState = "preparing"
	LifecycleLive      LifecycleState = "live"
	LifecycleEnding    LifecycleState = "ending"
	LifecycleEnded     LifecycleState = "ended"
	LifecycleFailed    LifecycleState = "failed"
)

// Terminal reports whether no further transition is possible without a new start.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleEnded || s == LifecycleFailed
}
