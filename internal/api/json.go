package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"dispatchcore/internal/model"
	"dispatchcore/internal/store"
)

// problemTypeBase prefixes the machine-readable slug in a problem's type
// field, so clients can switch on the error class instead of parsing detail
// strings.
const problemTypeBase = "/problems/"

// Problem is an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// errorClass resolves a domain error chain to its problem slug and HTTP
// status. Unknown errors land on internal/500.
func errorClass(err error) (slug string, status int) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not-found", http.StatusNotFound
	case errors.Is(err, model.ErrInvalidSample):
		return "invalid-sample", http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInsufficientCoverage):
		return "insufficient-coverage", http.StatusConflict
	case errors.Is(err, model.ErrCapacityExceeded):
		return "capacity-exceeded", http.StatusConflict
	case errors.Is(err, model.ErrInfeasible):
		return "plan-infeasible", http.StatusConflict
	case errors.Is(err, model.ErrNoEligibleDriver):
		return "no-eligible-driver", http.StatusConflict
	default:
		return "internal", http.StatusInternalServerError
	}
}

// statusSlug types problems raised without a domain sentinel behind them.
func statusSlug(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad-request"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid-sample"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domain error as a typed problem, mapping the sentinel
// in its chain to both the status code and the type slug.
func writeError(w http.ResponseWriter, title string, err error, instance string) {
	slug, status := errorClass(err)
	writeJSON(w, status, Problem{
		Type:     problemTypeBase + slug,
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: instance,
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     problemTypeBase + statusSlug(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}
