package compliance

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/models"
	"golang.org/x/sync/errgroup"
)

// FleetReport is the result of evaluating every active driver at one
// instant. A driver whose log cannot be evaluated appears in Errors instead
// of Violations.
type FleetReport struct {
	AsOf       time.Time                     `json:"as_of"`
	Violations map[string][]models.Violation `json:"violations"`
	Errors     map[string]error              `json:"-"`
}

// FleetViolations evaluates all active drivers in parallel. It fails only
// when the driver list cannot be loaded or ctx is cancelled.
func (s *Service) FleetViolations(ctx context.Context, asOf time.Time) (FleetReport, error) {
	asOf = s.stamp(asOf)
	drivers, err := s.Drivers(ctx)
	if err != nil {
		return FleetReport{}, err
	}

	report := FleetReport{
		AsOf:       asOf,
		Violations: make(map[string][]models.Violation, len(drivers)),
		Errors:     make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fleetMax)
	for _, d := range drivers {
		g.Go(func() error {
			vs, err := s.detector.Evaluate(gctx, d.ID, asOf)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithError(err).WithField("driver_id", d.ID).Warn("Driver evaluation failed")
				report.Errors[d.ID] = err
				return nil
			}
			report.Violations[d.ID] = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FleetReport{}, err
	}
	return report, nil
}
