package nodes

import (
	"time"

	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config holds connection manager configuration
type Config struct {
	// ConnectTimeout bounds dial plus handshake when the caller sets no
	// earlier deadline
	ConnectTimeout time.Duration

	// Idle connections are destroyed after IdleTimeoutMin plus a random
	// jitter in [0, IdleTimeoutScale). A negative scale disables jitter.
	IdleTimeoutMin   time.Duration
	IdleTimeoutScale time.Duration

	// PunchTimeout bounds one signaling round trip plus the punched dial
	PunchTimeout time.Duration

	// SignalMaxSkew is the accepted age of a signed signaling request
	SignalMaxSkew time.Duration

	// SignalDedupTTL suppresses repeated relays of the same punch
	SignalDedupTTL time.Duration

	// Relays per requesting node
	SignalRelayRate  float64
	SignalRelayBurst int

	// FindNodeAlpha is the number of parallel queries per lookup round
	FindNodeAlpha int

	// Puncher sends NAT punch packets; nil skips punching and only dials
	Puncher Puncher

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Recorder
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:   constants.ConnectionConnectTimeout,
		IdleTimeoutMin:   constants.ConnectionIdleTimeoutMin,
		IdleTimeoutScale: constants.ConnectionIdleTimeoutScale,
		PunchTimeout:     constants.SignalingTimeout,
		SignalMaxSkew:    constants.SignalMaxSkew,
		SignalDedupTTL:   constants.SignalFinalDedupTTL,
		SignalRelayRate:  constants.SignalRelayRate,
		SignalRelayBurst: constants.SignalRelayBurst,
		FindNodeAlpha:    constants.FindNodeAlpha,
	}
}

func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		out.Logger = zap.NewNop()
		out.Clock = clock.New()
		return out
	}
	out.Puncher, out.Logger, out.Clock, out.Metrics = c.Puncher, c.Logger, c.Clock, c.Metrics
	if c.ConnectTimeout > 0 {
		out.ConnectTimeout = c.ConnectTimeout
	}
	if c.IdleTimeoutMin > 0 {
		out.IdleTimeoutMin = c.IdleTimeoutMin
	}
	if c.IdleTimeoutScale != 0 {
		out.IdleTimeoutScale = c.IdleTimeoutScale
	}
	if c.PunchTimeout > 0 {
		out.PunchTimeout = c.PunchTimeout
	}
	if c.SignalMaxSkew > 0 {
		out.SignalMaxSkew = c.SignalMaxSkew
	}
	if c.SignalDedupTTL > 0 {
		out.SignalDedupTTL = c.SignalDedupTTL
	}
	if c.SignalRelayRate > 0 {
		out.SignalRelayRate = c.SignalRelayRate
	}
	if c.SignalRelayBurst > 0 {
		out.SignalRelayBurst = c.SignalRelayBurst
	}
	if c.FindNodeAlpha > 0 {
		out.FindNodeAlpha = c.FindNodeAlpha
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}
