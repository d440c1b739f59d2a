package model

// Level represents an event/alert severity level
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// levelOrder ranks levels for comparison; unknown levels rank lowest.
var levelOrder = map[Level]int{
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// Rank returns the numeric severity rank of the level
func (l Level) Rank() int {
	return levelOrder[l]
}

// MaxLevel returns the more severe of two levels
func MaxLevel(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
