package delay

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/sirupsen/logrus"
)

// Simulator turns delay policies into wait durations
type Simulator struct {
	intN   func(n int) int
	normal func() float64
	log    *logrus.Entry
}

// New creates a simulator backed by the shared math/rand/v2 source
func New(log *logrus.Entry) *Simulator {
	return &Simulator{
		intN:   rand.IntN,
		normal: rand.NormFloat64,
		log:    logging.OrDiscard(log, "delay"),
	}
}

// ForEntry counts a matched invocation of entry and computes its delay.
// A ConfigurationRangeError is logged and returned alongside the clamped
// duration; it never prevents the response.
func (s *Simulator) ForEntry(entry *index.Entry) (time.Duration, error) {
	n := entry.NextInvocation()
	d, err := s.Compute(entry.Delay, n)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"ruleId": entry.Rule.ID,
			"delay":  d,
		}).WithError(err).Warn("Delay policy out of range, clamped")
		err = models.WithRule(err, entry.Rule.ID)
	}
	return d, err
}

// Compute returns the wait for policy. invocation is the number of matched
// invocations before this one and only affects step delays.
func (s *Simulator) Compute(policy models.DelayPolicy, invocation int64) (time.Duration, error) {
	switch p := policy.(type) {
	case nil:
		return 0, nil

	case models.FixedDelay:
		return ms(int64(p.Ms)), nil

	case models.RandomDelay:
		if p.MinMs > p.MaxMs {
			return ms(int64(p.MinMs)), models.NewEngineError(models.KindConfigRange, "", nil,
				"random delay min %d > max %d", p.MinMs, p.MaxMs)
		}
		return ms(int64(p.MinMs + s.intN(p.MaxMs-p.MinMs+1))), nil

	case models.NormalDelay:
		if p.StdDevMs <= 0 {
			return ms(int64(p.MeanMs)), nil
		}
		sample := s.normal()*float64(p.StdDevMs) + float64(p.MeanMs)
		if sample < 0 {
			sample = 0
		}
		return ms(int64(math.Round(sample))), nil

	case models.StepDelay:
		value := int64(p.BaseMs) + int64(p.StepMs)*invocation
		if value > int64(p.LimitMs) {
			value = int64(p.LimitMs)
		}
		return ms(value), nil
	}

	return 0, nil
}

// Wait blocks for d or until ctx is done. Only the calling request waits.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ms(v int64) time.Duration {
	if v < 0 {
		v = 0
	}
	return time.Duration(v) * time.Millisecond
}
