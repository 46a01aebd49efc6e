// Package cliconfig is the process-level configuration and CLI
// surface of spec.md §6: env vars parsed with kong's env-tag support,
// and the four subcommands (run, recover, emergency-reset,
// validate-system) with their exit codes.
//
// Grounded on the teacher's cmd/syncthing/cli/main.go (kong for flag
// parsing) and cmd/syncthing/main.go's exitError/... constant block,
// generalized from syncthing's five exit codes to spec.md §6's four.
package cliconfig

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Exit codes, spec.md §6.
const (
	ExitSuccess           = 0
	ExitValidationFailure = 1
	ExitStoreUnavailable  = 2
	ExitConfigInvalid     = 3
)

// Config is the process-wide, env-derived configuration (spec.md §6).
// Every field maps to one env var; kong.Parse fills it from the `env`
// and `default` tags (CLI embeds it), so this struct is plain data
// everywhere else.
type Config struct {
	StoreURI                    string        `env:"STORE_URI" default:"./foldersyncd-data"`
	BindPort                    int           `env:"BIND_PORT" default:"8080"`
	CORSOrigin                  string        `env:"CORS_ORIGIN" default:"*"`
	LogLevel                    string        `env:"LOG_LEVEL" default:"info"`
	MaxGlobalConcurrentProcesses int          `env:"MAX_GLOBAL_CONCURRENT_PROCESSES" default:"4"`
	ScanConcurrentMax           int           `env:"SCAN_CONCURRENT_MAX" default:"2"`
	TransferDefaultTimeoutMs    int           `env:"TRANSFER_DEFAULT_TIMEOUT_MS" default:"3600000"`
	QueueSyncIntervalMs         int           `env:"QUEUE_SYNC_INTERVAL_MS" default:"60000"`
	RecoveryTickIntervalMs      int           `env:"RECOVERY_TICK_INTERVAL_MS" default:"300000"`
}

// TransferDefaultTimeout is TransferDefaultTimeoutMs as a duration.
func (c Config) TransferDefaultTimeout() time.Duration {
	return time.Duration(c.TransferDefaultTimeoutMs) * time.Millisecond
}

// QueueSyncInterval is QueueSyncIntervalMs as a duration.
func (c Config) QueueSyncInterval() time.Duration {
	return time.Duration(c.QueueSyncIntervalMs) * time.Millisecond
}

// RecoveryTickInterval is RecoveryTickIntervalMs as a duration.
func (c Config) RecoveryTickInterval() time.Duration {
	return time.Duration(c.RecoveryTickIntervalMs) * time.Millisecond
}

// Validate enforces the invariants kong's type system can't: ranges
// and mutual consistency across the env vars.
func (c Config) Validate() error {
	if c.StoreURI == "" {
		return fmt.Errorf("STORE_URI must not be empty")
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("BIND_PORT %d out of range [1,65535]", c.BindPort)
	}
	if c.MaxGlobalConcurrentProcesses < 1 {
		return fmt.Errorf("MAX_GLOBAL_CONCURRENT_PROCESSES must be >= 1")
	}
	if c.ScanConcurrentMax < 1 {
		return fmt.Errorf("SCAN_CONCURRENT_MAX must be >= 1")
	}
	if c.TransferDefaultTimeoutMs <= 0 {
		return fmt.Errorf("TRANSFER_DEFAULT_TIMEOUT_MS must be > 0")
	}
	if c.QueueSyncIntervalMs <= 0 {
		return fmt.Errorf("QUEUE_SYNC_INTERVAL_MS must be > 0")
	}
	if c.RecoveryTickIntervalMs <= 0 {
		return fmt.Errorf("RECOVERY_TICK_INTERVAL_MS must be > 0")
	}
	return nil
}

// StorePath strips an optional "leveldb://" scheme prefix some
// deployments use to make the store kind explicit in STORE_URI; the
// only store implementation is the embedded leveldb one, so anything
// past the scheme is a filesystem path.
func (c Config) StorePath() string {
	return strings.TrimPrefix(c.StoreURI, "leveldb://")
}

// RecoveryStats mirrors internal/recovery.Stats's shape. Declared here
// (rather than importing internal/recovery) so this package's only
// dependency on the rest of the daemon is the Engine interface below —
// the same narrow-interface discipline as differ.Enqueuer and
// recovery.ProcessChecker.
type RecoveryStats struct {
	Total, Stuck, Orphaned, Recovered, Failures, ReleasedSlots int
}

// Engine is everything a CLI subcommand needs from internal/engine.
// main.go binds the constructed *engine.Engine into kong under this
// interface type with Context.BindTo, and kong supplies it to
// whichever Run(cfg, eng) method matches the parsed subcommand.
type Engine interface {
	RunDaemon(cfg Config) error
	Recover(cfg Config) (RecoveryStats, error)
	EmergencyReset(cfg Config) (int, error)
}

// CLI is the kong command tree (spec.md §6's four subcommands).
type CLI struct {
	Config

	Run            RunCmd            `cmd:"" help:"Start the daemon."`
	Recover        RecoverCmd        `cmd:"" help:"Run recovery reconciliation once and exit."`
	EmergencyReset EmergencyResetCmd `cmd:"" help:"Force every non-terminal file record back to remote_only."`
	ValidateSystem ValidateSystemCmd `cmd:"" help:"Check that the copy tool and ssh client are on PATH."`
}

// RunCmd starts the daemon and blocks until a termination signal.
type RunCmd struct{}

func (c *RunCmd) Run(cfg Config, eng Engine) error {
	if err := cfg.Validate(); err != nil {
		return validationError{err}
	}
	return eng.RunDaemon(cfg)
}

// RecoverCmd runs Recovery Service's Boot() once and exits.
type RecoverCmd struct{}

func (c *RecoverCmd) Run(cfg Config, eng Engine) error {
	if err := cfg.Validate(); err != nil {
		return validationError{err}
	}
	stats, err := eng.Recover(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("recovery complete: %+v\n", stats)
	return nil
}

// EmergencyResetCmd runs Recovery Service's EmergencyReset().
type EmergencyResetCmd struct{}

func (c *EmergencyResetCmd) Run(cfg Config, eng Engine) error {
	if err := cfg.Validate(); err != nil {
		return validationError{err}
	}
	n, err := eng.EmergencyReset(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("emergency reset: %d records reset\n", n)
	return nil
}

// ValidateSystemCmd checks that the copy tool and the ssh client
// resolve on PATH. It does not check their versions, and it does not
// check whether the store is reachable. It takes no Engine binding, so
// it runs even when the store cannot be opened.
type ValidateSystemCmd struct {
	RsyncPath string `default:"rsync"`
	SSHPath   string `default:"ssh"`
}

func (c *ValidateSystemCmd) Run(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return validationError{err}
	}
	var problems []string
	for _, tool := range []string{c.RsyncPath, c.SSHPath} {
		if _, err := exec.LookPath(tool); err != nil {
			problems = append(problems, fmt.Sprintf("%s: not found on PATH", tool))
		}
	}
	if len(problems) > 0 {
		return validationError{fmt.Errorf("%s", strings.Join(problems, "; "))}
	}
	fmt.Println("ok")
	return nil
}

// validationError marks an error as a spec.md §6 "validation failure"
// (exit 1) rather than a generic error (exit... see ExitCode).
type validationError struct{ err error }

func (v validationError) Error() string { return v.err.Error() }
func (v validationError) Unwrap() error { return v.err }

// ExitCode maps a CLI-surfaced error to spec.md §6's exit codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ve validationError
	if asValidationError(err, &ve) {
		return ExitValidationFailure
	}
	if isStoreUnavailable(err) {
		return ExitStoreUnavailable
	}
	if isConfigInvalid(err) {
		return ExitConfigInvalid
	}
	return ExitValidationFailure
}

func asValidationError(err error, target *validationError) bool {
	for err != nil {
		if ve, ok := err.(validationError); ok {
			*target = ve
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isStoreUnavailable(err error) bool {
	return strings.Contains(err.Error(), "open store") || strings.Contains(err.Error(), "store:")
}

func isConfigInvalid(err error) bool {
	return strings.Contains(err.Error(), "must be") || strings.Contains(err.Error(), "out of range") || strings.Contains(err.Error(), "must not be empty")
}
