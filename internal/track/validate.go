package track

import (
	"fmt"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
)

// Validation reasons, doubling as rejection metric labels.
const (
	rejectOutOfRegion = "out_of_region"
	rejectSpeed       = "speed_implausible"
	rejectStale       = "stale_timestamp"
	rejectTeleport    = "teleport"
	rejectRateLimit   = "rate_limited"
	rejectUnknown     = "unknown_route"
)

// validateSample applies plausibility checks against the previous accepted
// sample for the vehicle. Rejected samples are logged and counted, never
// stored.
func validateSample(s model.LocationSample, last *model.LocationSample, cfg config.TrackingConfig, region config.RegionConfig) (string, error) {
	if s.Location.Lat < region.LatMin || s.Location.Lat > region.LatMax ||
		s.Location.Lng < region.LngMin || s.Location.Lng > region.LngMax {
		return rejectOutOfRegion, fmt.Errorf("%w: position %.4f,%.4f outside serviceable region",
			model.ErrInvalidSample, s.Location.Lat, s.Location.Lng)
	}
	if s.SpeedKph < 0 || s.SpeedKph > cfg.MaxSpeedKph {
		return rejectSpeed, fmt.Errorf("%w: reported speed %.0f km/h outside 0..%.0f",
			model.ErrInvalidSample, s.SpeedKph, cfg.MaxSpeedKph)
	}
	if last != nil {
		if !s.Timestamp.After(last.Timestamp) {
			return rejectStale, fmt.Errorf("%w: timestamp %s not after previous sample %s",
				model.ErrInvalidSample, s.Timestamp.Format("15:04:05.000"), last.Timestamp.Format("15:04:05.000"))
		}
		// implied speed between consecutive samples must stay plausible
		dt := s.Timestamp.Sub(last.Timestamp).Hours()
		if dt > 0 {
			implied := geo.HaversineM(last.Location, s.Location) / 1000 / dt
			if implied > cfg.MaxSpeedKph*1.5 {
				return rejectTeleport, fmt.Errorf("%w: implied speed %.0f km/h between samples",
					model.ErrInvalidSample, implied)
			}
		}
	}
	return "", nil
}
