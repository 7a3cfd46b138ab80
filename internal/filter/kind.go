package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the estimator used by every track.
type Kind string

const (
	KindParticle Kind = "particle"
	KindEKF      Kind = "ekf"
	KindUKF      Kind = "ukf"
)

// ErrUnknownKind is returned for a backend name outside Kinds.
var ErrUnknownKind = errors.New("unknown filter backend")

// Kinds lists the supported backends.
var Kinds = []Kind{KindParticle, KindEKF, KindUKF}

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q (want one of particle, ekf, ukf)", ErrUnknownKind, s)
}

// CostMetric selects how a detection/track pairing is scored.
type CostMetric string

const (
	// CostEuclidean scores by straight-line distance in metres.
	CostEuclidean CostMetric = "euclidean"
	// CostMahalanobis scores by squared Mahalanobis distance under the
	// track's innovation covariance.
	CostMahalanobis CostMetric = "mahalanobis"
)

// ErrUnknownMetric is returned for a cost metric other than euclidean or
// mahalanobis.
var ErrUnknownMetric = errors.New("unknown cost metric")

// ParseCostMetric maps a configuration string onto a CostMetric.
func ParseCostMetric(s string) (CostMetric, error) {
	switch m := CostMetric(strings.ToLower(strings.TrimSpace(s))); m {
	case CostEuclidean, CostMahalanobis:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}
