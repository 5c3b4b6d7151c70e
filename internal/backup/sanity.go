package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kebairia/dbrun/internal/logger"
)

// DefaultBinary is looked up on PATH when no explicit binary is configured.
const DefaultBinary = "sanity"

var (
	ErrBinaryNotFound = errors.New("backup binary not found")
	ErrBackupFailed   = errors.New("backup failed")
)

// ProjectConfigFiles are the files the backup binary uses to identify the
// project in its working directory.
var ProjectConfigFiles = []string{
	"sanity.cli.js",
	"sanity.cli.ts",
	"sanity.config.js",
	"sanity.config.ts",
}

// Options describes one backup.
type Options struct {
	BackupsPath string
	BinaryPath  string
	Dataset     string
	// WorkDir is where the binary runs. Callers pass it explicitly.
	WorkDir string
	// Verify reads the archive back after export.
	Verify bool
}

// Record describes a finished backup.
type Record struct {
	Dataset   string
	FilePath  string
	Command   []string
	StartedAt time.Time
	Duration  time.Duration
	SizeBytes int64
	// Entries is the number of archive members, set only when verified.
	Entries int
}

// InvokerOption defines a functional option for configuring an Invoker.
type InvokerOption func(*Invoker)

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) InvokerOption {
	return func(i *Invoker) {
		if log != nil {
			i.log = log
		}
	}
}

// WithClock overrides the clock used for archive names.
func WithClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// Invoker exports a dataset to an archive by running the backup binary.
type Invoker struct {
	log logger.Logger
	now func() time.Time
}

// NewInvoker creates an Invoker with the global logger and the wall clock.
func NewInvoker(opts ...InvokerOption) *Invoker {
	i := &Invoker{
		log: logger.Global(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ResolveBinary returns explicit when set, otherwise DefaultBinary from PATH.
func ResolveBinary(explicit string) (string, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: configured path %q: %v", ErrBinaryNotFound, explicit, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: configured path %q is a directory", ErrBinaryNotFound, explicit)
		}
		return explicit, nil
	}
	path, err := exec.LookPath(DefaultBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not on PATH", ErrBinaryNotFound, DefaultBinary)
	}
	return path, nil
}

// Backup runs "<binary> dataset export <dataset> <file>" in opts.WorkDir.
// A partial archive may be left behind on failure.
func (i *Invoker) Backup(ctx context.Context, opts Options) (Record, error) {
	log := i.log

	if opts.BinaryPath == "" {
		return Record{}, fmt.Errorf("%w: no binary path", ErrBinaryNotFound)
	}
	if opts.Dataset == "" || opts.BackupsPath == "" {
		return Record{}, fmt.Errorf("%w: dataset and backups path are required", ErrBackupFailed)
	}

	created, err := EnsureDirectoryExist(opts.BackupsPath)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if created {
		log.Warn("backup directory did not exist, created it", "path", opts.BackupsPath)
	}

	start := i.now()
	record := Record{
		Dataset:   opts.Dataset,
		FilePath:  filepath.Join(opts.BackupsPath, FileName(opts.Dataset, start)),
		StartedAt: start,
	}
	record.Command = []string{opts.BinaryPath, "dataset", "export", opts.Dataset, record.FilePath}

	if !hasProjectConfig(opts.WorkDir) {
		log.Warn("no project config file found in working directory; the backup binary needs one to identify the project",
			"workdir", opts.WorkDir,
			"expected", strings.Join(ProjectConfigFiles, ", "),
		)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, record.Command[0], record.Command[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info("backup started",
		"dataset", opts.Dataset,
		"command", strings.Join(record.Command, " "),
		"workdir", opts.WorkDir,
		"path", record.FilePath,
	)
	if err := cmd.Run(); err != nil {
		log.Error("backup failed",
			"dataset", opts.Dataset,
			"path", record.FilePath,
			"stdout", strings.TrimSpace(stdout.String()),
			"stderr", strings.TrimSpace(stderr.String()),
			"error", err.Error(),
		)
		return Record{}, fmt.Errorf("%w: %s: %w", ErrBackupFailed, opts.BinaryPath, err)
	}
	record.Duration = i.now().Sub(start)

	if out := strings.TrimSpace(stdout.String()); out != "" {
		log.Info("backup stdout", "output", out)
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		log.Error("backup stderr", "output", out)
	}

	if info, err := os.Stat(record.FilePath); err == nil {
		record.SizeBytes = info.Size()
	}

	if opts.Verify {
		entries, err := VerifyArchive(record.FilePath)
		if err != nil {
			log.Error("backup verification failed", "path", record.FilePath, "error", err.Error())
			return Record{}, fmt.Errorf("%w: %w", ErrBackupFailed, err)
		}
		record.Entries = entries
	}

	log.Info("backup completed",
		"dataset", opts.Dataset,
		"path", record.FilePath,
		"size_bytes", record.SizeBytes,
		"duration", record.Duration.String(),
	)
	return record, nil
}
