package training

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/vigil/internal/config"
)

// schedule computes the next scheduled-retraining time. nil means scheduled
// retraining is disabled; manual, RSI and sample-threshold triggers still
// work.
type schedule struct {
	interval time.Duration
	cronExpr cron.Schedule
}

func newSchedule(cfg config.ScheduleConfig) (*schedule, error) {
	switch cfg.Kind {
	case "interval":
		if cfg.IntervalSecs <= 0 {
			return nil, fmt.Errorf("intervalSecs must be positive, got %d", cfg.IntervalSecs)
		}
		return &schedule{interval: time.Duration(cfg.IntervalSecs) * time.Second}, nil
	case "cron":
		expr, err := cron.ParseStandard(cfg.Expr)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", cfg.Expr, err)
		}
		return &schedule{cronExpr: expr}, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", cfg.Kind)
	}
}

func (s *schedule) next(from time.Time) time.Time {
	if s.cronExpr != nil {
		return s.cronExpr.Next(from)
	}
	return from.Add(s.interval)
}
