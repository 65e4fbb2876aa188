package risk

import (
	"fmt"

	"github.com/tripwire/sentinel/internal/model"
)

// Levels holds the lower bounds of MEDIUM, HIGH and CRITICAL. Every score
// below Medium is LOW.
type Levels struct {
	Medium   int
	High     int
	Critical int
}

// DefaultLevels returns LOW <20, MEDIUM <50, HIGH <80, CRITICAL >=80.
func DefaultLevels() Levels {
	return Levels{Medium: 20, High: 50, Critical: 80}
}

// Validate reports whether the bounds are positive and strictly increasing,
// which makes Level total over non-negative scores.
func (l Levels) Validate() error {
	if !(0 < l.Medium && l.Medium < l.High && l.High < l.Critical) {
		return fmt.Errorf("risk: levels must be strictly increasing and positive (got %d, %d, %d)",
			l.Medium, l.High, l.Critical)
	}
	return nil
}

// Level maps score onto exactly one risk level. Negative scores are LOW.
func (l Levels) Level(score int) model.RiskLevel {
	switch {
	case score >= l.Critical:
		return model.RiskCritical
	case score >= l.High:
		return model.RiskHigh
	case score >= l.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// IncidentSeverity is the incident severity recorded for a level.
func IncidentSeverity(level model.RiskLevel) int {
	switch level {
	case model.RiskCritical:
		return 5
	case model.RiskHigh:
		return 4
	case model.RiskMedium:
		return 2
	default:
		return 1
	}
}
