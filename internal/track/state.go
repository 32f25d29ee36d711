package track

// Route progress states. Transitions only move forward; a sample can never
// take a route back to an earlier state.
const (
	StateNotStarted    = "not_started"
	StateDeparted      = "departed"
	StateEnRoute       = "en_route"
	StateArrivedAtStop = "arrived_at_stop"
	StateReturning     = "returning"
	StateCompleted     = "completed"
)

var stateOrder = map[string]int{
	StateNotStarted:    0,
	StateDeparted:      1,
	StateEnRoute:       2,
	StateArrivedAtStop: 3,
	StateReturning:     4,
	StateCompleted:     5,
}

// canTransition permits forward moves plus the en_route/arrived_at_stop loop
// that repeats once per stop.
func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == StateArrivedAtStop && to == StateEnRoute {
		return true
	}
	return stateOrder[to] > stateOrder[from]
}
