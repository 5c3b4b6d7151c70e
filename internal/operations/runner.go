package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebairia/dbrun/internal/backup"
	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/mutation"
	"github.com/kebairia/dbrun/internal/prompt"
	"github.com/kebairia/dbrun/internal/scripts"
)

var (
	// ErrUsage indicates a caller mistake such as a missing script name.
	ErrUsage = errors.New("usage error")
	// ErrInvalidConfig indicates a RunnerConfig that cannot be run.
	ErrInvalidConfig = errors.New("invalid runner configuration")
	// ErrCommit indicates that the transaction could not be committed.
	ErrCommit = errors.New("commit failed")
)

// Outcome is how a successful run ended.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	// OutcomeCancelled means the operator declined the confirmation.
	OutcomeCancelled
	// OutcomeNoMutations means the script had nothing to change.
	OutcomeNoMutations
	// OutcomeCommitted means all mutations were committed.
	OutcomeCommitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeNoMutations:
		return "no mutations"
	case OutcomeCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// RunnerConfig holds everything one run needs. It is not modified by the
// Runner.
type RunnerConfig struct {
	Client      docdb.Client
	Dataset     string
	UpdatesPath string
	BackupsPath string
	// BackupBin is an explicit backup binary. Empty means PATH lookup.
	BackupBin string
	// SkipBackup disables the pre-run export.
	SkipBackup bool
	// VerifyBackup reads the archive back after export.
	VerifyBackup bool
	// Force skips the confirmation prompt.
	Force bool
	// WorkDir is where the backup binary and update scripts run.
	WorkDir string
}

func (c RunnerConfig) validate() error {
	var missing []string
	if c.Client == nil {
		missing = append(missing, "client")
	}
	if c.Dataset == "" {
		missing = append(missing, "dataset")
	}
	if c.UpdatesPath == "" {
		missing = append(missing, "paths.updates")
	}
	if c.BackupsPath == "" {
		missing = append(missing, "paths.backups")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidConfig, missing)
	}
	return nil
}

// Backuper exports a dataset before it is changed.
type Backuper interface {
	Backup(ctx context.Context, opts backup.Options) (backup.Record, error)
}

// BinaryResolver finds the backup binary from an optional explicit path.
type BinaryResolver func(explicit string) (string, error)

// Option defines a functional option for configuring a Runner.
type Option func(*Runner)

func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithPrompter(p prompt.Prompter) Option {
	return func(r *Runner) {
		if p != nil {
			r.prompter = p
		}
	}
}

func WithBackuper(b Backuper) Option {
	return func(r *Runner) {
		if b != nil {
			r.backuper = b
		}
	}
}

// WithLoader replaces the default loader chain (built-in registry, then
// the updates directory).
func WithLoader(l scripts.Loader) Option {
	return func(r *Runner) {
		if l != nil {
			r.loader = l
		}
	}
}

func WithBinaryResolver(fn BinaryResolver) Option {
	return func(r *Runner) {
		if fn != nil {
			r.resolveBinary = fn
		}
	}
}

// Runner performs confirm, backup, load, run and commit for one script.
type Runner struct {
	cfg           RunnerConfig
	log           logger.Logger
	prompter      prompt.Prompter
	backuper      Backuper
	loader        scripts.Loader
	resolveBinary BinaryResolver
}

// New validates cfg and builds a Runner. It performs no I/O.
func New(cfg RunnerConfig, opts ...Option) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:           cfg,
		log:           logger.Global(),
		resolveBinary: backup.ResolveBinary,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prompter == nil {
		r.prompter = prompt.NewTerminal()
	}
	if r.backuper == nil {
		r.backuper = backup.NewInvoker(backup.WithLogger(r.log))
	}
	if r.loader == nil {
		r.loader = DefaultLoader(cfg.UpdatesPath, cfg.WorkDir, r.log)
	}
	return r, nil
}

// DefaultLoader resolves compiled-in scripts first, then executables in
// updatesPath.
func DefaultLoader(updatesPath, workDir string, log logger.Logger) scripts.Loader {
	return scripts.Chain{
		scripts.Default,
		&scripts.DirLoader{Dir: updatesPath, WorkDir: workDir, Log: log},
	}
}

// Config returns the configuration the Runner was built with.
func (r *Runner) Config() RunnerConfig {
	return r.cfg
}

// Loader returns the script loader in use.
func (r *Runner) Loader() scripts.Loader {
	return r.loader
}

// ConfirmMessage is the question asked before a run.
func ConfirmMessage(scriptName, dataset string) string {
	return fmt.Sprintf("Are you sure you want to run the script %q on the %q dataset?", scriptName, dataset)
}

// Run executes scriptName against the configured dataset. A declined
// confirmation and an empty mutation list are successful outcomes; every
// other stop is an error.
func (r *Runner) Run(ctx context.Context, scriptName string) (Outcome, error) {
	if scriptName == "" {
		return OutcomeUnknown, fmt.Errorf("%w: script name is required", ErrUsage)
	}
	if err := scripts.ValidateName(scriptName); err != nil {
		return OutcomeUnknown, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	log := r.log
	log.Info("preparing to run update script",
		"script", scriptName,
		"dataset", r.cfg.Dataset,
		"updates", r.cfg.UpdatesPath,
	)

	if !r.cfg.Force {
		ok, err := r.prompter.Confirm(ctx, ConfirmMessage(scriptName, r.cfg.Dataset))
		if err != nil {
			return OutcomeUnknown, fmt.Errorf("confirm run: %w", err)
		}
		if !ok {
			log.Info("run cancelled, nothing was changed", "script", scriptName)
			return OutcomeCancelled, nil
		}
	}

	if err := r.backup(ctx); err != nil {
		return OutcomeUnknown, err
	}

	script, err := r.loader.Load(scriptName)
	if err != nil {
		var nf *scripts.NotFoundError
		if errors.As(err, &nf) {
			log.Error("update script not found", "script", scriptName, "path", nf.Path)
		} else {
			log.Error("failed to load update script", "script", scriptName, "error", err.Error())
		}
		return OutcomeUnknown, err
	}

	mutations, err := scripts.Run(ctx, script, r.cfg.Client)
	if err != nil {
		log.Error("update script failed", "script", scriptName, "source", script.Source(), "error", err.Error())
		return OutcomeUnknown, err
	}
	if len(mutations) == 0 {
		log.Info("script returned no mutations to perform", "script", scriptName)
		return OutcomeNoMutations, nil
	}

	if err := mutation.Validate(mutations); err != nil {
		log.Error("update script returned invalid mutations", "script", scriptName, "error", err.Error())
		return OutcomeUnknown, err
	}

	log.Info("executing mutations",
		"count", len(mutations),
		"kinds", mutation.Summary(mutations),
		"dataset", r.cfg.Dataset,
	)
	result, err := mutation.Execute(ctx, r.cfg.Client, mutations)
	if err != nil {
		log.Error("failed to commit mutations", "script", scriptName, "error", err.Error())
		if errors.Is(err, mutation.ErrInvalidMutation) {
			return OutcomeUnknown, err
		}
		return OutcomeUnknown, fmt.Errorf("%w: %w", ErrCommit, err)
	}

	log.Info("successfully committed all changes",
		"transaction", result.TransactionID,
		"results", len(result.Results),
	)
	return OutcomeCommitted, nil
}

func (r *Runner) backup(ctx context.Context) error {
	if r.cfg.SkipBackup {
		r.log.Warn("backup skipped as per configuration", "dataset", r.cfg.Dataset)
		return nil
	}

	bin, err := r.resolveBinary(r.cfg.BackupBin)
	if err != nil {
		r.log.Error("cannot back up dataset", "dataset", r.cfg.Dataset, "error", err.Error())
		return err
	}

	record, err := r.backuper.Backup(ctx, backup.Options{
		BackupsPath: r.cfg.BackupsPath,
		BinaryPath:  bin,
		Dataset:     r.cfg.Dataset,
		WorkDir:     r.cfg.WorkDir,
		Verify:      r.cfg.VerifyBackup,
	})
	if err != nil {
		return err
	}
	r.log.Info("dataset backed up", "path", record.FilePath)
	return nil
}
