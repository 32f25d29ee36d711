package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable threshold in the dispatch core. The business
// source gives these figures inconsistently, so all of them are configuration
// with the most specific documented values as defaults.
type Config struct {
	Cluster   ClusterConfig   `yaml:"cluster"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Assign    AssignConfig    `yaml:"assign"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Region    RegionConfig    `yaml:"region"`
}

type ClusterConfig struct {
	MaxRadiusKm float64 `yaml:"maxRadiusKm"` // base centroid radius
	MinStops    int     `yaml:"minStops"`    // floor before merge/defer
	MaxStops    int     `yaml:"maxStops"`    // per-route stop cap
	MaxUnits    int     `yaml:"maxUnits"`    // largest vehicle capacity, caps cluster growth

	// Density classification in stops per km², and the radius/floor tuning
	// applied per class.
	HighDensityPerKm2    float64 `yaml:"highDensityPerKm2"`
	LowDensityPerKm2     float64 `yaml:"lowDensityPerKm2"`
	HighDensityRadiusMul float64 `yaml:"highDensityRadiusMul"`
	LowDensityRadiusMul  float64 `yaml:"lowDensityRadiusMul"`
	LowDensityMinStops   int     `yaml:"lowDensityMinStops"`
	MergeRadiusMul       float64 `yaml:"mergeRadiusMul"` // relaxed radius for floor merges
}

type OptimizerConfig struct {
	SpeedKph         float64 `yaml:"speedKph"`
	FuelCostPerKm    float64 `yaml:"fuelCostPerKm"`
	LaborCostPerHour float64 `yaml:"laborCostPerHour"`
	ServiceTimeMin   float64 `yaml:"serviceTimeMin"`   // per-stop handling time
	GraceMin         float64 `yaml:"graceMin"`         // window grace before infeasible
	TimePenaltyPerMin float64 `yaml:"timePenaltyPerMin"` // early/late within grace
	CostCeilingRatio float64 `yaml:"costCeilingRatio"` // cost vs cluster revenue

	// Tier boundaries by stop count.
	NearestMax int `yaml:"nearestMax"` // ≤ this: nearest neighbor
	SavingsMax int `yaml:"savingsMax"` // ≤ this: savings heuristic; above: population

	// Population tier bounds, kept small for time-budget predictability.
	Population  int `yaml:"population"`
	Generations int `yaml:"generations"`

	// Travel-time multipliers by time-of-day bucket, applied before the
	// optimizer evaluates orderings.
	TrafficMorningRush float64 `yaml:"trafficMorningRush"` // 07-09
	TrafficMidday      float64 `yaml:"trafficMidday"`      // 09-16
	TrafficEveningRush float64 `yaml:"trafficEveningRush"` // 16-19
	TrafficOffPeak     float64 `yaml:"trafficOffPeak"`
	BadWeatherMul      float64 `yaml:"badWeatherMul"`
}

type AssignConfig struct {
	MaxDriveHoursDay  float64 `yaml:"maxDriveHoursDay"`  // 10
	MaxWorkHoursDay   float64 `yaml:"maxWorkHoursDay"`   // 12
	MaxWorkHoursWeek  float64 `yaml:"maxWorkHoursWeek"`  // 48
	OvertimeExtraHours float64 `yaml:"overtimeExtraHours"` // added to daily caps at the overtime rung

	// Soft-constraint weights; must sum to 1.
	WeightExperience  float64 `yaml:"weightExperience"`  // 0.30
	WeightPerformance float64 `yaml:"weightPerformance"` // 0.25
	WeightRating      float64 `yaml:"weightRating"`      // 0.20
	WeightEfficiency  float64 `yaml:"weightEfficiency"`  // 0.15
	WeightSafety      float64 `yaml:"weightSafety"`      // 0.10

	// Matching tier boundaries by eligible pool size.
	GreedyMaxDrivers    int `yaml:"greedyMaxDrivers"`    // ≤20 greedy
	HungarianMaxDrivers int `yaml:"hungarianMaxDrivers"` // ≤50 Hungarian; above: population
	MatchIterations     int `yaml:"matchIterations"`     // population tier budget
}

type TrackingConfig struct {
	MaxSpeedKph        float64       `yaml:"maxSpeedKph"`
	ArrivalRadiusM     float64       `yaml:"arrivalRadiusM"`
	ApproachRadiusM    float64       `yaml:"approachRadiusM"` // approaching-stop notice
	AvgStopMin         float64       `yaml:"avgStopMin"`
	MinEffectiveKph    float64       `yaml:"minEffectiveKph"` // speed floor for ETA math
	ETANotifyMin       float64       `yaml:"etaNotifyMin"`    // delay notice threshold, 15
	SampleRatePerSec   float64       `yaml:"sampleRatePerSec"`
	SampleBurst        int           `yaml:"sampleBurst"`
	PipelineBuffer     int           `yaml:"pipelineBuffer"`
	MaxConcurrent      int           `yaml:"maxConcurrent"` // bounded processing pool
	NotifyTimeout      time.Duration `yaml:"notifyTimeout"`
	SampleRetention    time.Duration `yaml:"sampleRetention"` // audit tail past route end
}

type MonitorConfig struct {
	DeviationMinorM    float64       `yaml:"deviationMinorM"`    // 500
	DeviationMajorM    float64       `yaml:"deviationMajorM"`    // 1000
	DeviationCriticalM float64       `yaml:"deviationCriticalM"` // 5000
	WrongDirectionFor  time.Duration `yaml:"wrongDirectionFor"`  // 5m

	// Long-stop baselines keyed by stop type, minutes.
	StopBaselineMin map[string]float64 `yaml:"stopBaselineMin"`
	RedOverBaseline time.Duration      `yaml:"redOverBaseline"` // 30m past baseline

	NoMovementCheck  time.Duration `yaml:"noMovementCheck"`  // 10m
	NoMovementAssist time.Duration `yaml:"noMovementAssist"` // 20m

	SpeedLimitKph     float64 `yaml:"speedLimitKph"`
	SpeedDangerOverKph float64 `yaml:"speedDangerOverKph"` // over limit → immobilization signal
}

// RegionConfig bounds the serviceable area for sample plausibility checks.
type RegionConfig struct {
	LatMin float64 `yaml:"latMin"`
	LatMax float64 `yaml:"latMax"`
	LngMin float64 `yaml:"lngMin"`
	LngMax float64 `yaml:"lngMax"`
}

// Default returns the documented figures.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			MaxRadiusKm:          3.0,
			MinStops:             3,
			MaxStops:             40,
			MaxUnits:             60,
			HighDensityPerKm2:    5.0,
			LowDensityPerKm2:     1.0,
			HighDensityRadiusMul: 0.6,
			LowDensityRadiusMul:  1.8,
			LowDensityMinStops:   2,
			MergeRadiusMul:       2.0,
		},
		Optimizer: OptimizerConfig{
			SpeedKph:          40,
			FuelCostPerKm:     0.45,
			LaborCostPerHour:  18,
			ServiceTimeMin:    8,
			GraceMin:          15,
			TimePenaltyPerMin: 0.5,
			CostCeilingRatio:  0.6,
			NearestMax:        15,
			SavingsMax:        30,
			Population:        60,
			Generations:       120,
			TrafficMorningRush: 1.5,
			TrafficMidday:      1.1,
			TrafficEveningRush: 1.6,
			TrafficOffPeak:     1.0,
			BadWeatherMul:      1.3,
		},
		Assign: AssignConfig{
			MaxDriveHoursDay:   10,
			MaxWorkHoursDay:    12,
			MaxWorkHoursWeek:   48,
			OvertimeExtraHours: 2,
			WeightExperience:   0.30,
			WeightPerformance:  0.25,
			WeightRating:       0.20,
			WeightEfficiency:   0.15,
			WeightSafety:       0.10,
			GreedyMaxDrivers:    20,
			HungarianMaxDrivers: 50,
			MatchIterations:     500,
		},
		Tracking: TrackingConfig{
			MaxSpeedKph:      150,
			ArrivalRadiusM:   80,
			ApproachRadiusM:  500,
			AvgStopMin:       8,
			MinEffectiveKph:  5,
			ETANotifyMin:     15,
			SampleRatePerSec: 2,
			SampleBurst:      10,
			PipelineBuffer:   64,
			MaxConcurrent:    32,
			NotifyTimeout:    2 * time.Second,
			SampleRetention:  6 * time.Hour,
		},
		Monitor: MonitorConfig{
			DeviationMinorM:    500,
			DeviationMajorM:    1000,
			DeviationCriticalM: 5000,
			WrongDirectionFor:  5 * time.Minute,
			StopBaselineMin: map[string]float64{
				"residential": 8,
				"commercial":  15,
				"industrial":  25,
				"bulk":        40,
			},
			RedOverBaseline:    30 * time.Minute,
			NoMovementCheck:    10 * time.Minute,
			NoMovementAssist:   20 * time.Minute,
			SpeedLimitKph:      90,
			SpeedDangerOverKph: 30,
		},
		Region: RegionConfig{LatMin: -90, LatMax: 90, LngMin: -180, LngMax: 180},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// TrafficMultiplier picks the time-of-day bucket for t.
func (c OptimizerConfig) TrafficMultiplier(t time.Time, badWeather bool) float64 {
	h := t.Hour()
	m := c.TrafficOffPeak
	switch {
	case h >= 7 && h < 9:
		m = c.TrafficMorningRush
	case h >= 9 && h < 16:
		m = c.TrafficMidday
	case h >= 16 && h < 19:
		m = c.TrafficEveningRush
	}
	if badWeather {
		m *= c.BadWeatherMul
	}
	if m <= 0 {
		m = 1
	}
	return m
}
