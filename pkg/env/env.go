package env

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/maraxen/praxis/pkg/log"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for praxis.
func Process() error {
	if err := envconfig.Process("praxis", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevelFromString(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by praxis.
type Environment struct {
	LogLevel            string        `default:"info"`
	NodeID              string        `default:""` // hostname
	DatabaseType        string        `default:"sqlite"`
	DatabaseDSN         string        `default:"file:praxis.db?cache=shared"`
	WorkcellFile        string        `default:""`
	ProtocolDir         string        `default:""`
	QueueDepth          int           `default:"64"`
	WorkerCount         int           `default:"4"`
	PollInterval        time.Duration `default:"2s"`
	LockTTL             time.Duration `default:"5m"`
	ClaimTTL            time.Duration `default:"1m"`
	LockTimeout         time.Duration `default:"3s"`
	StepTimeout         time.Duration `default:"10m"`
	RetryCeiling        int           `default:"8"`
	RetryBackoffBase    time.Duration `default:"500ms"`
	RetryBackoffCeiling time.Duration `default:"30s"`
	ReaperSchedule      string        `default:"* * * * *"`
}
