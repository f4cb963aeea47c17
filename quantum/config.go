package quantum

import (
	"github.com/zeromicro/go-zero/core/conf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantumudp/fec"
	"github.com/aetherflow/quantumudp/metrics"
	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/telemetry"
)

// LogConfig mirrors the teacher's internal/gateway/config.go LogConfig
// struct tags, loaded the same way via go-zero's conf package.
type LogConfig struct {
	Level string `json:",default=info,options=debug|info|warn|error"`
}

// FECConfig controls the optional Reed-Solomon forward-error-correction
// extension.
type FECConfig struct {
	Enabled      bool `json:",default=false"`
	DataShards   int  `json:",default=10"`
	ParityShards int  `json:",default=3"`
}

// Config is the top-level configuration for a Quantum endpoint, loaded
// from YAML by LoadConfig the way the teacher's cmd/gateway/main.go loads
// config.Config via conf.MustLoad.
type Config struct {
	// Version is the wire protocol version this endpoint speaks; only
	// protocol.CurrentVersion is accepted. CreateWithConfig rejects any
	// other value rather than silently defaulting it, since a mismatched
	// version on the wire can never interoperate anyway.
	Version uint8  `json:",default=1"`
	Host    string `json:",default=0.0.0.0"`
	Port    string `json:",default=6881"`

	Log       LogConfig       `json:",optional"`
	Tracing   telemetry.Config `json:",optional"`
	FEC       FECConfig       `json:",optional"`

	MetricsNamespace string `json:",default=quantum"`
	MetricsSubsystem string `json:",default=endpoint"`

	// DebugLogRatePerSecond caps how often per-packet debug lines are
	// emitted; it never gates transmission itself.
	DebugLogRatePerSecond float64 `json:",default=50"`
}

// DefaultConfig returns the same defaults conf.Load would fill in for an
// empty YAML document.
func DefaultConfig() *Config {
	return &Config{
		Version:               protocol.CurrentVersion,
		Host:                  "0.0.0.0",
		Port:                  "6881",
		Log:                   LogConfig{Level: "info"},
		Tracing:               *telemetry.DefaultConfig(),
		FEC:                   FECConfig{Enabled: false, DataShards: fec.DefaultDataShards, ParityShards: fec.DefaultParityShards},
		MetricsNamespace:      "quantum",
		MetricsSubsystem:      "endpoint",
		DebugLogRatePerSecond: 50,
	}
}

// LoadConfig reads and validates a YAML config file, implementing the
// teacher's conf.MustLoad idiom without the Must (callers decide whether
// a bad config file is fatal).
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if err := conf.Load(path, c); err != nil {
		return nil, err
	}
	return c, nil
}

func buildLogger(level string) *zap.Logger {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func buildDebugLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(0, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// metricsForConfig builds a Collector from c, defaulting the namespace/
// subsystem the same way DefaultConfig does.
func metricsForConfig(c *Config) *metrics.Collector {
	ns, sub := c.MetricsNamespace, c.MetricsSubsystem
	if ns == "" {
		ns = "quantum"
	}
	if sub == "" {
		sub = "endpoint"
	}
	return metrics.New(ns, sub)
}
