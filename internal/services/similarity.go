// Package services contains business logic layers.
// Services are called by handlers and jobs and interact with the store.
package services

import (
	"math"
	"time"

	"github.com/communitywatch/incident-server/internal/models"
)

const earthRadiusM = 6371000.0

// SimilarityFactors is the per-dimension breakdown of a similarity score
type SimilarityFactors struct {
	Spatial   int     `json:"spatial"`
	Temporal  int     `json:"temporal"`
	Type      int     `json:"type"`
	Severity  int     `json:"severity"`
	DistanceM float64 `json:"distance_m,omitempty"`
	Minutes   float64 `json:"minutes_apart"`
}

// relatedTypes is the adjacency table for partial type credit. It is keyed
// by the first incident's type and is intentionally not symmetric: fire
// lists explosion but explosion does not list fire.
var relatedTypes = map[models.IncidentType][]models.IncidentType{
	models.TypeSuspiciousActivity: {models.TypeTheft, models.TypeFight, models.TypeGunshot},
	models.TypeIncidentInProgress: {models.TypeFire, models.TypeExplosion, models.TypeViolence},
	models.TypeFire:               {models.TypeExplosion},
	models.TypeTheft:              {models.TypeSuspiciousActivity, models.TypeArmedRobbery},
	models.TypeArmedRobbery:       {models.TypeTheft, models.TypeGunshot},
	models.TypeFight:              {models.TypeViolence},
	models.TypeGunshot:            {models.TypeViolence, models.TypeArmedRobbery},
	models.TypeViolence:           {models.TypeFight},
	models.TypeKidnapping:         {models.TypeViolence},
}

// Similarity scores how likely b describes the same event as a, 0-100.
// Sub-scores are already on their weighted scale (40/30/20/10), so the
// final score is their rounded sum.
func Similarity(a, b models.Incident) (int, SimilarityFactors) {
	f := SimilarityFactors{}
	f.Spatial, f.DistanceM = spatialScore(a.Location, b.Location)
	f.Temporal, f.Minutes = temporalScore(a.CreatedAt, b.CreatedAt)
	f.Type = typeScore(a.Type, b.Type)
	f.Severity = severityScore(a.Severity, b.Severity)

	total := f.Spatial + f.Temporal + f.Type + f.Severity
	if total > 100 {
		total = 100
	}
	return total, f
}

func spatialScore(a, b models.Location) (int, float64) {
	if a.HasGPS() && b.HasGPS() {
		d := HaversineMeters(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
		switch {
		case d <= 100:
			return 40, d
		case d <= 250:
			return 30, d
		case d <= 500:
			return 20, d
		case d <= 1000:
			return 10, d
		}
		return 0, d
	}

	switch {
	case a.Village != "" && a.Village == b.Village:
		return 30, 0
	case a.LGA != "" && a.LGA == b.LGA:
		return 20, 0
	case a.State != "" && a.State == b.State:
		return 10, 0
	}
	return 0, 0
}

func temporalScore(a, b time.Time) (int, float64) {
	minutes := math.Abs(a.Sub(b).Minutes())
	switch {
	case minutes <= 5:
		return 30, minutes
	case minutes <= 15:
		return 25, minutes
	case minutes <= 30:
		return 20, minutes
	case minutes <= 60:
		return 15, minutes
	case minutes <= 120:
		return 10, minutes
	}
	return 5, minutes
}

func typeScore(a, b models.IncidentType) int {
	if a == b {
		return 20
	}
	for _, related := range relatedTypes[a] {
		if related == b {
			return 10
		}
	}
	return 0
}

func severityScore(a, b models.Severity) int {
	diff := a.Ordinal() - b.Ordinal()
	if diff < 0 {
		diff = -diff
	}
	switch diff {
	case 0:
		return 10
	case 1:
		return 5
	}
	return 0
}

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
