package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/dbrun/internal/config"
	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/vault"
)

// FromConfig builds a Runner from a loaded configuration file. workDir is
// used unless the file sets paths.cwd. The API token comes from the file
// or environment, else from Vault when vault.token_path is set.
func FromConfig(ctx context.Context, cfg config.Config, workDir string, opts ...Option) (*Runner, error) {
	probe := &Runner{log: logger.Global()}
	for _, opt := range opts {
		opt(probe)
	}
	log := probe.log

	if cfg.Paths.Cwd != "" {
		workDir = cfg.Paths.Cwd
	}

	token, err := resolveToken(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	client, err := docdb.FromParams(docdb.Params{
		ProjectID:  cfg.Client.ProjectID,
		Dataset:    cfg.Client.Dataset,
		Token:      token,
		APIVersion: cfg.Client.APIVersion,
		APIHost:    cfg.Client.APIHost,
		UseCDN:     cfg.Client.UseCDN,
		Timeout:    cfg.Client.Timeout,
	}, cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: client: %w", ErrInvalidConfig, err)
	}
	if cfg.Client.Dataset != "" && cfg.Client.Dataset != cfg.Dataset {
		log.Warn("client dataset overridden by top-level dataset",
			"client_dataset", cfg.Client.Dataset,
			"dataset", cfg.Dataset,
		)
	}

	return New(RunnerConfig{
		Client:       client,
		Dataset:      cfg.Dataset,
		UpdatesPath:  cfg.Paths.Updates,
		BackupsPath:  cfg.Paths.Backups,
		BackupBin:    cfg.Paths.BackupBin,
		SkipBackup:   !cfg.Backup.Enabled,
		VerifyBackup: cfg.Backup.Verify,
		Force:        cfg.Force,
		WorkDir:      workDir,
	}, opts...)
}

func resolveToken(ctx context.Context, cfg config.Config, log logger.Logger) (string, error) {
	if cfg.Client.Token != "" || cfg.Vault.TokenPath == "" {
		return cfg.Client.Token, nil
	}

	vaultOpts := []vault.Option{vault.WithAddress(cfg.Vault.Address)}
	if cfg.Vault.RoleID != "" && cfg.Vault.ApproleName != "" {
		vaultOpts = append(vaultOpts, vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName))
	}
	vaultClient, err := vault.NewClient(ctx, vaultOpts...)
	if err != nil {
		return "", fmt.Errorf("vault client init: %w", err)
	}

	field := cfg.Vault.TokenField
	if field == "" {
		field = "token"
	}
	token, err := vaultClient.ReadSecretField(ctx, cfg.Vault.TokenPath, field)
	if err != nil {
		return "", fmt.Errorf("read API token from vault: %w", err)
	}
	log.Debug("API token read from vault", "path", cfg.Vault.TokenPath, "field", field)
	return token, nil
}
