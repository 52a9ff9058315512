package domain

import "encoding/json"

// QualityTier classifies a connection's health. Tiers are ordered from
// best to worst; a larger value is a worse connection.
type QualityTier int

const (
	QualityExcellent QualityTier = iota
	QualityGood
	QualityMedium
	QualityPoor
	QualityCritical
	QualityDisconnected
)

var tierNames = map[QualityTier]string{
	QualityExcellent:    "excellent",
	QualityGood:         "good",
	QualityMedium:       "medium",
	QualityPoor:         "poor",
	QualityCritical:     "critical",
	QualityDisconnected: "disconnected",
}

func (t QualityTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// WorseThan reports whether t is a strictly worse tier than other.
func (t QualityTier) WorseThan(other QualityTier) bool {
	return t > other
}

func (t QualityTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// WorstTier returns the worst tier in the list, or QualityGood when the
// list is empty (no evidence of trouble yet).
func WorstTier(tiers []QualityTier) QualityTier {
	worst := QualityGood
	for i, t := range tiers {
		if i == 0 || t.WorseThan(worst) {
			worst = t
		}
	}
	return worst
}
