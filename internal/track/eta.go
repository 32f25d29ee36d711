package track

import (
	"time"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
)

// ewmaAlpha weights the newest speed observation in the moving average.
const ewmaAlpha = 0.3

// updateEffectiveSpeed folds a new observation into the exponential moving
// average. Derived speed between samples is preferred over the device's
// self-reported value when both samples exist.
func updateEffectiveSpeed(prevKph float64, last *model.LocationSample, s model.LocationSample) float64 {
	obs := s.SpeedKph
	if last != nil {
		if dt := s.Timestamp.Sub(last.Timestamp).Hours(); dt > 0 {
			obs = geo.HaversineM(last.Location, s.Location) / 1000 / dt
		}
	}
	if prevKph <= 0 {
		return obs
	}
	return ewmaAlpha*obs + (1-ewmaAlpha)*prevKph
}

// etaEstimate is the recomputed arrival picture after one sample.
type etaEstimate struct {
	NextStopETA  time.Time
	LastStopETA  time.Time
	DelayMin     float64 // vs the last remaining stop's planned arrival
	RemainDistM  float64
	EffectiveKph float64 // floored
}

// computeETA projects arrival times for the remaining stops from the current
// position at the effective speed, adding the average service time per
// intermediate stop and scaling travel by the time-of-day traffic bucket of
// the projection start. The speed floor keeps a crawling vehicle from
// producing an unbounded ETA.
func computeETA(r model.Route, nextSeq int, pos model.GeoPoint, at time.Time, ewmaKph float64, cfg config.TrackingConfig, opt config.OptimizerConfig) etaEstimate {
	kph := ewmaKph
	if kph < cfg.MinEffectiveKph {
		kph = cfg.MinEffectiveKph
	}
	est := etaEstimate{EffectiveKph: kph}
	mul := opt.TrafficMultiplier(at, false)
	travel := func(distM float64) time.Duration {
		return time.Duration(distM / 1000 / kph * mul * float64(time.Hour))
	}

	var remaining []model.Stop
	for _, s := range r.Stops {
		if !s.Completed && s.Seq >= nextSeq {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		est.NextStopETA = at
		est.LastStopETA = at
		return est
	}

	dist := geo.HaversineM(pos, remaining[0].Location)
	t := at.Add(travel(dist))
	est.NextStopETA = t
	est.RemainDistM = dist
	service := time.Duration(cfg.AvgStopMin * float64(time.Minute))
	for i := 1; i < len(remaining); i++ {
		leg := geo.HaversineM(remaining[i-1].Location, remaining[i].Location)
		est.RemainDistM += leg
		t = t.Add(service).Add(travel(leg))
	}
	est.LastStopETA = t

	planned := remaining[len(remaining)-1].PlannedArrival
	if !planned.IsZero() {
		est.DelayMin = t.Sub(planned).Minutes()
	}
	return est
}

// deadReckon extrapolates a position from the last sample's speed and heading
// when the feed goes quiet, so progress views keep a continuous track.
func deadReckon(last model.LocationSample, at time.Time) model.GeoPoint {
	dt := at.Sub(last.Timestamp).Hours()
	if dt <= 0 || last.SpeedKph <= 0 {
		return last.Location
	}
	distKm := last.SpeedKph * dt
	return geo.Offset(last.Location, distKm*1000, last.HeadingDeg)
}
