package service

import (
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/ratelimit"
)

// RateSettings is the effective limiter configuration.
type RateSettings struct {
	RatePerMinute int `json:"ratePerMinute"`
	Concurrency   int `json:"concurrency"`
}

// Settings applies runtime limiter updates. Changes affect launches
// scheduled after the call; running sends are never interrupted.
type Settings struct {
	sched *ratelimit.Scheduler
	log   zerolog.Logger
}

func NewSettings(sched *ratelimit.Scheduler) *Settings {
	return &Settings{
		sched: sched,
		log:   logger.Component("settings"),
	}
}

func (s *Settings) UpdateRateLimit(ratePerMinute, concurrency int) (RateSettings, error) {
	if err := s.sched.SetRate(ratePerMinute); err != nil {
		return RateSettings{}, err
	}
	if err := s.sched.SetConcurrency(concurrency); err != nil {
		return RateSettings{}, err
	}

	rate, conc := s.sched.Rate()
	s.log.Info().
		Int("rate_per_minute", rate).
		Int("concurrency", conc).
		Msg("rate limiter settings updated")
	return RateSettings{RatePerMinute: rate, Concurrency: conc}, nil
}

func (s *Settings) Current() RateSettings {
	rate, conc := s.sched.Rate()
	return RateSettings{RatePerMinute: rate, Concurrency: conc}
}
