package operations

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kebairia/dbrun/internal/backup"
	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/docdb/docdbtest"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/mutation"
	"github.com/kebairia/dbrun/internal/prompt"
	"github.com/kebairia/dbrun/internal/scripts"
)

// steps records the order in which collaborators are used.
type steps []string

type fakeBackuper struct {
	steps *steps
	calls []backup.Options
	err   error
}

func (f *fakeBackuper) Backup(_ context.Context, opts backup.Options) (backup.Record, error) {
	*f.steps = append(*f.steps, "backup")
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return backup.Record{}, f.err
	}
	return backup.Record{Dataset: opts.Dataset, FilePath: filepath.Join(opts.BackupsPath, "archive.tar.gz")}, nil
}

type recordingLoader struct {
	steps *steps
	next  scripts.Loader
}

func (l recordingLoader) Load(name string) (scripts.Script, error) {
	*l.steps = append(*l.steps, "load")
	return l.next.Load(name)
}

func (l recordingLoader) List() ([]string, error) { return l.next.List() }

type recordingPrompter struct {
	steps   *steps
	answer  bool
	err     error
	message string
}

func (p *recordingPrompter) Confirm(_ context.Context, message string) (bool, error) {
	*p.steps = append(*p.steps, "confirm")
	p.message = message
	return p.answer, p.err
}

type harness struct {
	steps    *steps
	client   *docdbtest.Client
	registry *scripts.Registry
	backuper *fakeBackuper
	prompter *recordingPrompter
	logs     *observer.ObservedLogs
	resolved []string
	resolve  BinaryResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := &steps{}
	h := &harness{
		steps: s,
		client: docdbtest.New("production",
			docdb.Document{"_id": "post-1", "_type": "post", "title": "Hello"},
			docdb.Document{"_id": "post-2", "_type": "post", "title": "Old"},
		),
		registry: scripts.NewRegistry(),
		backuper: &fakeBackuper{steps: s},
		prompter: &recordingPrompter{steps: s, answer: true},
	}
	h.resolve = func(explicit string) (string, error) {
		h.resolved = append(h.resolved, explicit)
		return "/usr/local/bin/sanity", nil
	}
	return h
}

func (h *harness) config() RunnerConfig {
	return RunnerConfig{
		Client:      h.client,
		Dataset:     "production",
		UpdatesPath: "/srv/updates",
		BackupsPath: "/srv/backups",
		WorkDir:     "/srv/studio",
	}
}

func (h *harness) runner(t *testing.T, cfg RunnerConfig) *Runner {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	r, err := New(cfg,
		WithLogger(logger.New(zap.New(core))),
		WithPrompter(h.prompter),
		WithBackuper(h.backuper),
		WithLoader(recordingLoader{steps: h.steps, next: h.registry}),
		WithBinaryResolver(h.resolve),
	)
	require.NoError(t, err)
	return r
}

func (h *harness) register(t *testing.T, name string, fn scripts.UpdateFunc) {
	t.Helper()
	require.NoError(t, h.registry.Register(name, func(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error) {
		*h.steps = append(*h.steps, "run")
		return fn(ctx, client)
	}))
}

func retitle(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error) {
	var ids []string
	if err := client.Fetch(ctx, "ids", nil, &ids); err != nil {
		return nil, err
	}
	out := make([]mutation.Mutation, 0, len(ids))
	for _, id := range ids {
		out = append(out, mutation.Patch{ID: id, Patch: docdb.Patch{"set": map[string]any{"title": "Migrated"}}})
	}
	return out, nil
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	full := RunnerConfig{
		Client:      docdbtest.New("production"),
		Dataset:     "production",
		UpdatesPath: "/srv/updates",
		BackupsPath: "/srv/backups",
	}
	tests := []struct {
		name   string
		mutate func(*RunnerConfig)
		field  string
	}{
		{"client", func(c *RunnerConfig) { c.Client = nil }, "client"},
		{"dataset", func(c *RunnerConfig) { c.Dataset = "" }, "dataset"},
		{"updates", func(c *RunnerConfig) { c.UpdatesPath = "" }, "paths.updates"},
		{"backups", func(c *RunnerConfig) { c.BackupsPath = "" }, "paths.backups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	_, err := New(full)
	require.NoError(t, err)
}

func TestRun_RequiresScriptName(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, h.config())

	_, err := r.Run(context.Background(), "")
	require.ErrorIs(t, err, ErrUsage)

	_, err = r.Run(context.Background(), "../escape")
	require.ErrorIs(t, err, ErrUsage)
	require.ErrorIs(t, err, scripts.ErrInvalidName)

	assert.Empty(t, *h.steps)
}

func TestRun_DeclinedConfirmationHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.prompter.answer = false
	h.register(t, "retitle", retitle)

	outcome, err := h.runner(t, h.config()).Run(context.Background(), "retitle")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	assert.Equal(t, steps{"confirm"}, *h.steps)
	assert.Empty(t, h.resolved)
	assert.Empty(t, h.client.Commits())
	assert.Equal(t, `Are you sure you want to run the script "retitle" on the "production" dataset?`, h.prompter.message)
}

func TestRun_ConfirmationError(t *testing.T) {
	h := newHarness(t)
	h.prompter.err = prompt.ErrNotInteractive
	h.register(t, "retitle", retitle)

	_, err := h.runner(t, h.config()).Run(context.Background(), "retitle")
	require.ErrorIs(t, err, prompt.ErrNotInteractive)
	assert.Equal(t, steps{"confirm"}, *h.steps)
}

func TestRun_FullSequence(t *testing.T) {
	h := newHarness(t)
	h.register(t, "retitle", retitle)
	cfg := h.config()
	cfg.BackupBin = "/opt/sanity"
	cfg.VerifyBackup = true

	outcome, err := h.runner(t, cfg).Run(context.Background(), "retitle")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assert.Equal(t, steps{"confirm", "backup", "load", "run"}, *h.steps)
	assert.Equal(t, []string{"/opt/sanity"}, h.resolved)
	require.Len(t, h.backuper.calls, 1)
	assert.Equal(t, backup.Options{
		BackupsPath: "/srv/backups",
		BinaryPath:  "/usr/local/bin/sanity",
		Dataset:     "production",
		WorkDir:     "/srv/studio",
		Verify:      true,
	}, h.backuper.calls[0])

	commits := h.client.Commits()
	require.Len(t, commits, 1)
	require.Len(t, commits[0], 2)
	assert.Equal(t, "post-1", commits[0][0].ID)
	assert.Equal(t, "post-2", commits[0][1].ID)

	doc, err := h.client.GetDocument(context.Background(), "post-2")
	require.NoError(t, err)
	assert.Equal(t, "Migrated", doc["title"])

	assert.Equal(t, 1, h.logs.FilterMessage("executing mutations").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("successfully committed all changes").Len())
}

func TestRun_ForceWithoutBackupOnlyLoadsAndCommits(t *testing.T) {
	h := newHarness(t)
	h.register(t, "retitle", retitle)
	cfg := h.config()
	cfg.Force = true
	cfg.SkipBackup = true

	outcome, err := h.runner(t, cfg).Run(context.Background(), "retitle")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)

	assert.Equal(t, steps{"load", "run"}, *h.steps)
	assert.Empty(t, h.backuper.calls)
	assert.Empty(t, h.resolved)
	assert.Len(t, h.client.Commits(), 1)

	skipped := h.logs.FilterMessage("backup skipped as per configuration").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, zapcore.WarnLevel, skipped[0].Level)
}

func TestRun_UnresolvableBinaryStopsBeforeLoad(t *testing.T) {
	h := newHarness(t)
	h.register(t, "retitle", retitle)
	h.resolve = func(string) (string, error) {
		return "", backup.ErrBinaryNotFound
	}
	cfg := h.config()
	cfg.Force = true

	_, err := h.runner(t, cfg).Run(context.Background(), "retitle")
	require.ErrorIs(t, err, backup.ErrBinaryNotFound)
	assert.Empty(t, *h.steps)
	assert.Empty(t, h.client.Commits())
}

func TestRun_FailedBackupStopsBeforeLoad(t *testing.T) {
	h := newHarness(t)
	h.register(t, "retitle", retitle)
	h.backuper.err = backup.ErrBackupFailed
	cfg := h.config()
	cfg.Force = true

	_, err := h.runner(t, cfg).Run(context.Background(), "retitle")
	require.ErrorIs(t, err, backup.ErrBackupFailed)
	assert.Equal(t, steps{"backup"}, *h.steps)
	assert.Empty(t, h.client.Commits())
}

func TestRun_ScriptNotFoundNamesPath(t *testing.T) {
	updates := t.TempDir()
	core, logs := observer.New(zapcore.DebugLevel)
	r, err := New(RunnerConfig{
		Client:      docdbtest.New("production"),
		Dataset:     "production",
		UpdatesPath: updates,
		BackupsPath: t.TempDir(),
		Force:       true,
		SkipBackup:  true,
	}, WithLogger(logger.New(zap.New(core))))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "missing")
	require.ErrorIs(t, err, scripts.ErrScriptNotFound)
	assert.Contains(t, err.Error(), filepath.Join(updates, "missing"))

	entries := logs.FilterMessage("update script not found").All()
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Join(updates, "missing"), entries[0].ContextMap()["path"])
}

func TestRun_NoMutations(t *testing.T) {
	for name, result := range map[string][]mutation.Mutation{
		"nil":   nil,
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.register(t, "noop", func(context.Context, docdb.Client) ([]mutation.Mutation, error) {
				return result, nil
			})
			cfg := h.config()
			cfg.Force = true
			cfg.SkipBackup = true

			outcome, err := h.runner(t, cfg).Run(context.Background(), "noop")
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoMutations, outcome)
			assert.Empty(t, h.client.Commits())
			assert.Equal(t, 1, h.logs.FilterMessage("script returned no mutations to perform").Len())
		})
	}
}

func TestRun_ScriptFailure(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("query timed out")
	h.register(t, "broken", func(context.Context, docdb.Client) ([]mutation.Mutation, error) {
		return nil, boom
	})
	cfg := h.config()
	cfg.Force = true
	cfg.SkipBackup = true

	_, err := h.runner(t, cfg).Run(context.Background(), "broken")
	require.ErrorIs(t, err, scripts.ErrScriptExecution)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, h.client.Commits())
}

func TestRun_InvalidMutationIsNotCommitted(t *testing.T) {
	h := newHarness(t)
	h.register(t, "sloppy", func(context.Context, docdb.Client) ([]mutation.Mutation, error) {
		return []mutation.Mutation{
			mutation.Delete{ID: "post-1"},
			mutation.Patch{ID: "post-2"},
		}, nil
	})
	cfg := h.config()
	cfg.Force = true
	cfg.SkipBackup = true

	_, err := h.runner(t, cfg).Run(context.Background(), "sloppy")
	require.ErrorIs(t, err, mutation.ErrInvalidMutation)
	require.NotErrorIs(t, err, ErrCommit)
	assert.Empty(t, h.client.Commits())
}

func TestRun_NilPointerMutationFailsCleanly(t *testing.T) {
	h := newHarness(t)
	h.register(t, "typed-nil", func(context.Context, docdb.Client) ([]mutation.Mutation, error) {
		return []mutation.Mutation{(*mutation.Patch)(nil)}, nil
	})
	cfg := h.config()
	cfg.Force = true
	cfg.SkipBackup = true
	r := h.runner(t, cfg)

	var err error
	require.NotPanics(t, func() {
		_, err = r.Run(context.Background(), "typed-nil")
	})
	require.ErrorIs(t, err, mutation.ErrInvalidMutation)
	assert.Empty(t, h.client.Commits())
	assert.Equal(t, 0, h.logs.FilterMessage("executing mutations").Len())
}

func TestRun_CommitFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "retitle", retitle)
	denied := &docdb.APIError{StatusCode: 403, Type: "permissionDenied", Description: "token lacks write access"}
	h.client.CommitErr = denied
	cfg := h.config()
	cfg.Force = true
	cfg.SkipBackup = true

	_, err := h.runner(t, cfg).Run(context.Background(), "retitle")
	require.ErrorIs(t, err, ErrCommit)

	var apiErr *docdb.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 403, apiErr.StatusCode)
	assert.Equal(t, 0, h.client.Changes())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "no mutations", OutcomeNoMutations.String())
	assert.Equal(t, "committed", OutcomeCommitted.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
