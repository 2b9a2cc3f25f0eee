package schedule

import "time"

// Tier maps activity younger than Below to a cadence multiplier.
type Tier struct {
	Below      time.Duration
	Multiplier float64
}

// Tiers is the activity-age table, youngest first. Ages at or beyond the last
// bound use TopMultiplier.
var Tiers = []Tier{
	{Below: 2 * time.Minute, Multiplier: 1},
	{Below: 10 * time.Minute, Multiplier: 1.5},
	{Below: 20 * time.Minute, Multiplier: 2},
	{Below: 30 * time.Minute, Multiplier: 3},
	{Below: time.Hour, Multiplier: 4},
	{Below: 2 * time.Hour, Multiplier: 5},
	{Below: 12 * time.Hour, Multiplier: 10},
}

// TopMultiplier applies to activity older than twelve hours and to entities
// with no known activity.
const TopMultiplier = 20

// collapsedFactor slows every tier while nobody is watching.
const collapsedFactor = 2

// Multiplier returns the cadence multiplier for an entity whose last
// activity is age old. known is false when no activity timestamp exists.
func Multiplier(age time.Duration, known, collapsed bool) float64 {
	m := float64(TopMultiplier)
	if known {
		if age < 0 {
			age = 0
		}
		for _, t := range Tiers {
			if age < t.Below {
				m = t.Multiplier
				break
			}
		}
	}
	if collapsed {
		m *= collapsedFactor
	}
	return m
}
