package scrape

import (
	"os"

	"github.com/rs/zerolog"
)

// logSink prints engine diagnostics through zerolog, gated per category
// by the configured LogPolicy. Events are emitted regardless of the
// policy; the sink only controls printing.
type logSink struct {
	logger zerolog.Logger
	policy LogPolicy
}

func newLogSink(name string, policy LogPolicy, override *zerolog.Logger) logSink {
	var logger zerolog.Logger
	if override != nil {
		logger = *override
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logSink{
		logger: logger.With().Str("component", "scrapeflow").Str("scheduler", name).Logger(),
		policy: policy,
	}
}

// warning prints a rejected configuration field.
func (s logSink) warning(key, msg string) {
	if !s.policy.enabled(CategoryValidationWarning) {
		return
	}
	s.logger.Warn().
		Str("category", string(CategoryValidationWarning)).
		Str("key", key).
		Msg(msg)
}

// error prints an error under its category tag.
func (s logSink) error(c Category, err error) {
	if !s.policy.enabled(c) {
		return
	}
	s.logger.Error().
		Str("category", string(c)).
		Err(err).
		Msg("scrape error")
}

// debug prints engine-internal diagnostics that have no event category.
func (s logSink) debug() *zerolog.Event {
	return s.logger.Debug()
}
