package pass

import "sort"

// StagesPerWorld is the number of stages in one world of the world-clear pass.
const StagesPerWorld = 50

// SortThresholdsDesc orders thresholds by level, highest first.
func SortThresholdsDesc(ts []LevelThreshold) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Level > ts[j].Level })
}

// LevelFor returns the highest level whose exp requirement is at most exp, or 0.
// thresholds must be sorted descending by level.
func LevelFor(exp int64, thresholds []LevelThreshold) int {
	for _, t := range thresholds {
		if t.Exp <= exp {
			return t.Level
		}
	}
	return 0
}

// ApplyExp adds delta to p.Exp and recomputes p.Level. delta may be negative.
func ApplyExp(p *Progress, delta int64, thresholds []LevelThreshold) {
	p.Exp += delta
	p.Level = LevelFor(p.Exp, thresholds)
}

// WorldOf returns the world a stage belongs to. Stage 0 is world 0.
func WorldOf(stage int64) int {
	if stage <= 0 {
		return 0
	}
	return int((stage-1)/StagesPerWorld) + 1
}

// ApplyStageClear records a cleared stage as a high-water mark. It reports whether p changed.
func ApplyStageClear(p *Progress, stage int64) bool {
	if stage <= p.Exp {
		return false
	}
	p.Exp = stage
	p.Level = WorldOf(stage)
	return true
}
