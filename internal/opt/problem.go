package opt

import (
	"time"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
)

// Problem is a single-vehicle ordering instance built from one cluster.
// Matrix index 0 is the depot; index i+1 is Orders[i]. Travel times carry the
// time-of-day/weather multiplier already, so every strategy evaluates the
// same adjusted costs.
type Problem struct {
	Orders  []model.Order
	Vehicle model.Vehicle
	Depot   model.GeoPoint
	Start   time.Time
	Cfg     config.OptimizerConfig

	distM     [][]float64
	travelSec [][]float64
}

func NewProblem(c model.Cluster, vehicle model.Vehicle, depot model.GeoPoint, start time.Time, badWeather bool, cfg config.OptimizerConfig) *Problem {
	p := &Problem{Orders: c.Orders, Vehicle: vehicle, Depot: depot, Start: start, Cfg: cfg}
	n := len(c.Orders) + 1
	pts := make([]model.GeoPoint, n)
	pts[0] = depot
	for i, o := range c.Orders {
		pts[i+1] = o.Location
	}
	speed := cfg.SpeedKph
	if speed <= 0 {
		speed = 40
	}
	mul := cfg.TrafficMultiplier(start, badWeather)
	p.distM = make([][]float64, n)
	p.travelSec = make([][]float64, n)
	for i := 0; i < n; i++ {
		p.distM[i] = make([]float64, n)
		p.travelSec[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			d := geo.HaversineM(pts[i], pts[j])
			p.distM[i][j] = d
			p.travelSec[i][j] = d / (speed / 3.6) * mul
		}
	}
	return p
}

// Schedule is the result of propagating a visit order through time windows.
type Schedule struct {
	Stops       []model.Stop
	DistanceM   float64 // includes the return leg to depot
	DurationSec int
	DriveSec    float64
	LateMin     float64 // within grace
	EarlyMin    float64 // waiting before a window opens
	Feasible    bool
	Violated    string // order id past grace, when infeasible
}

// schedule propagates arrival times for perm (indices into Orders). Arrivals
// past a window end beyond the grace margin make the ordering infeasible
// rather than merely penalized.
func (p *Problem) schedule(perm []int) Schedule {
	s := Schedule{Feasible: true}
	t := p.Start
	cur := 0 // depot
	grace := time.Duration(p.Cfg.GraceMin * float64(time.Minute))
	service := time.Duration(p.Cfg.ServiceTimeMin * float64(time.Minute))
	for seq, oi := range perm {
		o := p.Orders[oi]
		drive := p.travelSec[cur][oi+1]
		s.DriveSec += drive
		s.DistanceM += p.distM[cur][oi+1]
		arr := t.Add(time.Duration(drive * float64(time.Second)))
		if o.Window != nil {
			if !o.Window.Start.IsZero() && arr.Before(o.Window.Start) {
				s.EarlyMin += o.Window.Start.Sub(arr).Minutes()
				arr = o.Window.Start
			}
			if !o.Window.End.IsZero() && arr.After(o.Window.End) {
				over := arr.Sub(o.Window.End)
				if over > grace {
					s.Feasible = false
					s.Violated = o.ID
					return s
				}
				s.LateMin += over.Minutes()
			}
		}
		dep := arr.Add(service)
		s.Stops = append(s.Stops, model.Stop{
			Seq:              seq + 1,
			OrderID:          o.ID,
			Location:         o.Location,
			Window:           o.Window,
			StopType:         o.StopType,
			Units:            o.Units(),
			WeightKg:         o.WeightKg(),
			PlannedArrival:   arr,
			PlannedDeparture: dep,
			LegDistanceM:     p.distM[cur][oi+1],
		})
		t = dep
		cur = oi + 1
	}
	// return to depot
	s.DriveSec += p.travelSec[cur][0]
	s.DistanceM += p.distM[cur][0]
	t = t.Add(time.Duration(p.travelSec[cur][0] * float64(time.Second)))
	s.DurationSec = int(t.Sub(p.Start).Seconds())
	return s
}

// pathSec is the raw travel time of a visit order, used by local search.
func (p *Problem) pathSec(perm []int) float64 {
	total := 0.0
	cur := 0
	for _, oi := range perm {
		total += p.travelSec[cur][oi+1]
		cur = oi + 1
	}
	total += p.travelSec[cur][0]
	return total
}

// cost = fuel(distance) + labor(duration) + vehicle_usage(duration) +
// time_penalty(early/late arrivals).
func (p *Problem) cost(s Schedule) (float64, map[string]float64) {
	hours := float64(s.DurationSec) / 3600
	fuel := p.Cfg.FuelCostPerKm * s.DistanceM / 1000
	labor := p.Cfg.LaborCostPerHour * hours
	usage := p.Vehicle.CostPerHour * hours
	penalty := p.Cfg.TimePenaltyPerMin * (s.LateMin + s.EarlyMin)
	total := fuel + labor + usage + penalty
	return total, map[string]float64{
		"fuel":         fuel,
		"labor":        labor,
		"vehicleUsage": usage,
		"timePenalty":  penalty,
		"total":        total,
	}
}
