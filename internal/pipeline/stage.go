package pipeline

// Stage is the orchestrator state. A run moves strictly forward through the
// stages and returns to StageIdle whether it succeeds or fails.
type Stage int32

const (
	StageIdle Stage = iota
	StageFetching
	StageCleaning
	StageFilteringDedup
	StagePersistingDetections
	StageCorrelatingWeather
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageCleaning:
		return "cleaning"
	case StageFilteringDedup:
		return "filtering_dedup"
	case StagePersistingDetections:
		return "persisting_detections"
	case StageCorrelatingWeather:
		return "correlating_weather"
	default:
		return "unknown"
	}
}
