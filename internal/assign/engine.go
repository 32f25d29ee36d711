package assign

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

// Escalation rungs, tried in order when the primary pool leaves routes
// uncovered.
const (
	rungPrimary      = "primary"
	rungCallIn       = "call_in"
	rungFloaters     = "floaters"
	rungOvertime     = "overtime"
	rungCrossTrained = "cross_trained"
)

// Pool holds the driver snapshot for one planning cycle. Snapshots are
// immutable and versioned; the engine reads, never writes.
type Pool struct {
	mu      sync.Mutex
	version int
	drivers []model.Driver
}

// Snapshot is what one planning run assigns against.
type Snapshot struct {
	Version int
	Drivers []model.Driver
}

// Update replaces the pool contents and bumps the version.
func (p *Pool) Update(drivers []model.Driver) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers = append([]model.Driver(nil), drivers...)
	p.version++
	return p.version
}

// Snapshot returns a copy the caller can read without holding the pool.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Version: p.version, Drivers: append([]model.Driver(nil), p.drivers...)}
}

// Result of one assignment pass.
type Result struct {
	Assignments []model.Assignment
	Unassigned  []model.UnassignedRoute
	Escalations []string // rungs that were actually climbed
	Matcher     string
	PoolVersion int
}

// Engine runs eligibility, scoring and matching with the escalation ladder.
type Engine struct {
	cfg config.AssignConfig
	log *logrus.Logger
}

func NewEngine(cfg config.AssignConfig, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{cfg: cfg, log: log}
}

// candidate is a driver admitted at some rung, possibly with adjusted terms.
type candidate struct {
	driver model.Driver
	rung   string
	extra  float64 // overtime hour widening
}

// Assign matches routes to drivers from the snapshot. A driver covers at most
// one route per pass; routes that stay uncovered after every rung come back
// as UnassignedRoute with per-candidate rejection reasons.
func (e *Engine) Assign(routes []model.Route, snap Snapshot, now time.Time) Result {
	res := Result{PoolVersion: snap.Version}
	if len(routes) == 0 {
		return res
	}

	// primary pool: on-duty, non-reserve drivers
	var cands []candidate
	for _, d := range snap.Drivers {
		if d.OnDuty && !d.Floater {
			cands = append(cands, candidate{driver: d, rung: rungPrimary})
		}
	}

	pending := make([]int, len(routes)) // indices into routes
	for i := range pending {
		pending[i] = i
	}

	rungs := []string{rungPrimary, rungCallIn, rungFloaters, rungOvertime, rungCrossTrained}
	taken := map[string]bool{} // driver ids already assigned this pass

	for _, rung := range rungs {
		if len(pending) == 0 {
			break
		}
		switch rung {
		case rungPrimary:
			// base set, built above
		case rungCallIn:
			// reachable off-duty drivers are called in and treated as on duty
			for _, d := range snap.Drivers {
				if !d.OnDuty && d.Reachable && !d.Floater {
					d.OnDuty = true
					cands = append(cands, candidate{driver: d, rung: rungCallIn})
				}
			}
		case rungFloaters:
			for _, d := range snap.Drivers {
				if d.Floater {
					if !d.OnDuty && !d.Reachable {
						continue
					}
					d.OnDuty = true
					cands = append(cands, candidate{driver: d, rung: rungFloaters})
				}
			}
		case rungOvertime:
			// same people, widened daily caps
			for i := range cands {
				cands[i].extra = e.cfg.OvertimeExtraHours
			}
		case rungCrossTrained:
			// cross-trained drivers may take routes outside their home zone
			for i := range cands {
				if cands[i].driver.CrossTrained {
					cands[i].driver.ZoneAuthorizations = nil
				}
			}
		}
		if rung != rungPrimary {
			res.Escalations = append(res.Escalations, rung)
		}

		matched := e.matchRound(routes, pending, cands, taken, now, &res)
		var still []int
		for _, ri := range pending {
			if !matched[ri] {
				still = append(still, ri)
			}
		}
		pending = still
	}

	// anything left is reported with the reasons every candidate was rejected
	for _, ri := range pending {
		res.Unassigned = append(res.Unassigned, model.UnassignedRoute{
			RouteID:    routes[ri].ID,
			Reason:     rejectionSummary(routes[ri], cands, taken, now, e.cfg),
			Rejections: rejectionDetails(routes[ri], cands, taken, now, e.cfg),
		})
		e.log.WithFields(logrus.Fields{"route": routes[ri].ID, "pool": len(cands)}).
			Warn("route unassigned after escalation")
	}
	return res
}

// matchRound runs one eligibility+matching pass over the pending routes and
// appends successful assignments to res. Returns the set of route indices
// covered this round.
func (e *Engine) matchRound(routes []model.Route, pending []int, cands []candidate, taken map[string]bool, now time.Time, res *Result) map[int]bool {
	var free []int // candidate indices not yet assigned
	for i, c := range cands {
		if !taken[c.driver.ID] {
			free = append(free, i)
		}
	}
	matched := map[int]bool{}
	if len(free) == 0 {
		return matched
	}

	// score matrix over pending routes × free candidates
	m := make([][]float64, len(pending))
	checks := make([][][]model.ConstraintCheck, len(pending))
	for r, ri := range pending {
		m[r] = make([]float64, len(free))
		checks[r] = make([][]model.ConstraintCheck, len(free))
		for d, ci := range free {
			c := cands[ci]
			ck, err := checkEligibility(c.driver, routes[ri], now, e.cfg, c.extra)
			checks[r][d] = ck
			if err != nil {
				m[r][d] = ineligible
				continue
			}
			m[r][d] = Score(c.driver, e.cfg).Total
		}
	}

	mt := matcherFor(len(free), e.cfg)
	res.Matcher = mt.Name()
	out := mt.Match(m)

	for r, d := range out {
		if d == -1 {
			continue
		}
		ri := pending[r]
		c := cands[free[d]]
		taken[c.driver.ID] = true
		matched[ri] = true
		breakdown := Score(c.driver, e.cfg)
		res.Assignments = append(res.Assignments, model.Assignment{
			ID:            uuid.NewString(),
			RouteID:       routes[ri].ID,
			DriverID:      c.driver.ID,
			Score:         breakdown.Total,
			Breakdown:     breakdown,
			Checks:        checks[r][d],
			Justification: justification(c, breakdown, m[r], d, mt.Name()),
			Active:        true,
			CreatedAt:     now,
		})
	}
	return matched
}

// justification explains a pick in operator language.
func justification(c candidate, b model.ScoreBreakdown, row []float64, d int, matcher string) string {
	ranked := rankedDrivers(row)
	rank := 1
	for i, idx := range ranked {
		if idx == d {
			rank = i + 1
			break
		}
	}
	j := fmt.Sprintf("driver %s scored %.1f (rank %d of %d eligible) via %s matching",
		c.driver.ID, b.Total, rank, len(ranked), matcher)
	if c.rung != rungPrimary {
		j += ", escalation rung " + c.rung
	}
	if c.extra > 0 {
		j += fmt.Sprintf(", overtime caps +%.0fh", c.extra)
	}
	return j
}

// rejectionSummary folds per-candidate failures into one operator-readable
// line, e.g. "no driver within hour limit, 2 candidates rejected on license".
func rejectionSummary(r model.Route, cands []candidate, taken map[string]bool, now time.Time, cfg config.AssignConfig) string {
	counts := map[string]int{}
	busy := 0
	for _, c := range cands {
		if taken[c.driver.ID] {
			busy++
			continue
		}
		_, err := checkEligibility(c.driver, r, now, cfg, c.extra)
		if err == nil {
			continue
		}
		counts[reasonKey(err)]++
	}
	if len(counts) == 0 && busy == 0 {
		return "no candidate drivers in pool"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d rejected on %s", counts[k], k))
	}
	if busy > 0 {
		parts = append(parts, fmt.Sprintf("%d already assigned", busy))
	}
	return "no eligible driver: " + strings.Join(parts, ", ")
}

func rejectionDetails(r model.Route, cands []candidate, taken map[string]bool, now time.Time, cfg config.AssignConfig) []string {
	var out []string
	for _, c := range cands {
		if taken[c.driver.ID] {
			continue
		}
		if _, err := checkEligibility(c.driver, r, now, cfg, c.extra); err != nil {
			out = append(out, err.Error())
		}
	}
	sort.Strings(out)
	return out
}

func reasonKey(err error) string {
	switch {
	case errors.Is(err, model.ErrOffDuty):
		return "duty status"
	case errors.Is(err, model.ErrHourLimitExceeded):
		return "hour limit"
	case errors.Is(err, model.ErrLicenseInvalid):
		return "license"
	case errors.Is(err, model.ErrMedicalExpired):
		return "medical"
	case errors.Is(err, model.ErrRestricted):
		return "restriction"
	default:
		return "other"
	}
}
