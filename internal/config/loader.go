package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultFileName is looked up in the working directory when no config
// file is given.
const DefaultFileName = "dbrun.yaml"

// EnvPrefix prefixes environment overrides, e.g. DBRUN_CLIENT_TOKEN.
const EnvPrefix = "DBRUN"

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// ErrConfigNotFound indicates that the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string     `mapstructure:"include" yaml:"include,omitempty"`
	Dataset string       `mapstructure:"dataset" yaml:"dataset"           validate:"required"`
	Client  ClientConfig `mapstructure:"client"  yaml:"client"`
	Vault   VaultConfig  `mapstructure:"vault"   yaml:"vault"`
	Paths   PathsConfig  `mapstructure:"paths"   yaml:"paths"`
	Backup  BackupConfig `mapstructure:"backup"  yaml:"backup"`
	Force   bool         `mapstructure:"force"   yaml:"force"`
}

// ClientConfig holds the parameters the document client is built from.
type ClientConfig struct {
	ProjectID  string        `mapstructure:"project_id"  yaml:"project_id"          validate:"required"`
	Dataset    string        `mapstructure:"dataset"     yaml:"dataset,omitempty"`
	Token      string        `mapstructure:"token"       yaml:"token,omitempty"`
	APIVersion string        `mapstructure:"api_version" yaml:"api_version"`
	APIHost    string        `mapstructure:"api_host"    yaml:"api_host,omitempty"  validate:"omitempty,url"`
	UseCDN     bool          `mapstructure:"use_cdn"     yaml:"use_cdn"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault. When
// TokenPath is set the API token is read from that secret.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address"                validate:"required_with=TokenPath"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
	TokenPath   string `mapstructure:"token_path"   yaml:"token_path,omitempty"`
	TokenField  string `mapstructure:"token_field"  yaml:"token_field,omitempty"`
}

// PathsConfig groups the directories the runner works with.
type PathsConfig struct {
	Updates   string `mapstructure:"updates"    yaml:"updates"              validate:"required"`
	Backups   string `mapstructure:"backups"    yaml:"backups"              validate:"required"`
	BackupBin string `mapstructure:"backup_bin" yaml:"backup_bin,omitempty"`
	Cwd       string `mapstructure:"cwd"        yaml:"cwd,omitempty"`
}

// BackupConfig contains backup options.
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Verify  bool `mapstructure:"verify"  yaml:"verify"`
}

// Resolve returns the absolute config path for name relative to workDir,
// falling back to DefaultFileName.
func Resolve(workDir, name string) string {
	if name == "" {
		name = DefaultFileName
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(workDir, name)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, unmarshals into the Config struct and
// validates it. Relative paths in the file are resolved against the
// directory holding it.
func (c *Config) Load(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w at %q", ErrConfigNotFound, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	bindEnv(v)

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	baseDir := filepath.Dir(path)
	for _, inc := range v.GetStringSlice("include") {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		data, err := os.ReadFile(incPath)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, incPath, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, incPath, err)
		}
	}

	if raw := v.Get("client"); raw != nil {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("%w: client must be a parameter object, got %T", ErrValidateConfig, raw)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.resolvePaths(baseDir)
	return c.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.api_version", "2024-05-01")
	v.SetDefault("vault.token_field", "token")
	v.SetDefault("backup.enabled", true)
	v.SetDefault("backup.verify", false)
	v.SetDefault("force", false)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows about; bind the
	// ones that usually live outside the file.
	for _, key := range []string{"dataset", "client.token", "client.project_id", "vault.address", "vault.role_id"} {
		_ = v.BindEnv(key)
	}
}

func (c *Config) resolvePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Paths.Updates = abs(c.Paths.Updates)
	c.Paths.Backups = abs(c.Paths.Backups)
	c.Paths.Cwd = abs(c.Paths.Cwd)
	if c.Paths.BackupBin != "" && strings.ContainsRune(c.Paths.BackupBin, filepath.Separator) {
		c.Paths.BackupBin = abs(c.Paths.BackupBin)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks required fields and reports them by their YAML key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is set", field, snake(fe.Param())))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a URL, got %q", field, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidateConfig, strings.Join(msgs, "; "))
}

func snake(goName string) string {
	var b strings.Builder
	for i, r := range goName {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
