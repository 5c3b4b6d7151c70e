package scripts

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/logger"
	"github.com/kebairia/dbrun/internal/mutation"
)

// EnvPrefix prefixes the connection variables handed to executable scripts.
const EnvPrefix = "DBRUN_"

// environer is implemented by clients that can describe their connection
// to a child process.
type environer interface {
	Environ(prefix string) []string
}

// DirLoader resolves a script name to an executable in Dir: "<Dir>/<name>"
// when it exists, else the single executable "<Dir>/<name>.<ext>". The
// executable gets the client connection through DBRUN_* environment
// variables, runs in WorkDir, and prints its mutations as a JSON array on
// stdout. Its stderr is forwarded to the log.
type DirLoader struct {
	Dir     string
	WorkDir string
	Log     logger.Logger
}

var _ Loader = (*DirLoader)(nil)

func (l *DirLoader) Load(name string) (Script, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptExecution, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrScriptExecution, path)
	}
	if !isExecutable(info) {
		return nil, fmt.Errorf("%w: %s is not executable", ErrScriptExecution, path)
	}

	log := l.Log
	if log == nil {
		log = logger.Global()
	}
	return &execScript{name: name, path: path, workDir: l.WorkDir, log: log}, nil
}

// resolve returns the exact path when it exists, otherwise the only
// executable whose name minus its extension is name.
func (l *DirLoader) resolve(name string) (string, error) {
	exact := filepath.Join(l.Dir, name)
	_, err := os.Stat(exact)
	if err == nil {
		return exact, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s: %v", ErrScriptExecution, exact, err)
	}

	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", &NotFoundError{Name: name, Path: exact}
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrScriptExecution, l.Dir, err)
	}

	var executables, others []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || scriptName(e.Name()) != name {
			continue
		}
		full := filepath.Join(l.Dir, e.Name())
		if info, err := e.Info(); err == nil && isExecutable(info) {
			executables = append(executables, full)
		} else {
			others = append(others, full)
		}
	}
	switch {
	case len(executables) == 1:
		return executables[0], nil
	case len(executables) > 1:
		return "", fmt.Errorf("%w: %q matches %s", ErrAmbiguousScript, name, strings.Join(executables, ", "))
	case len(others) > 0:
		return "", fmt.Errorf("%w: %s is not executable", ErrScriptExecution, others[0])
	}
	return "", &NotFoundError{Name: name, Path: exact}
}

// List returns the names of the executable, non-hidden files in Dir with
// their extension removed.
func (l *DirLoader) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list update scripts in %q: %w", l.Dir, err)
	}
	seen := make(map[string]bool, len(entries))
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !isExecutable(info) {
			continue
		}
		name := scriptName(e.Name())
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func scriptName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

func isExecutable(info fs.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

type execScript struct {
	name    string
	path    string
	workDir string
	log     logger.Logger
}

func (s *execScript) Name() string   { return s.name }
func (s *execScript) Source() string { return s.path }

func (s *execScript) Run(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error) {
	env := os.Environ()
	if e, ok := client.(environer); ok {
		env = append(env, e.Environ(EnvPrefix)...)
	} else {
		env = append(env, EnvPrefix+"DATASET="+client.Dataset())
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.path)
	cmd.Dir = s.workDir
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Debug("running update script", "script", s.name, "path", s.path, "workdir", s.workDir)
	runErr := cmd.Run()

	scanner := bufio.NewScanner(&stderr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.log.Info("script output", "script", s.name, "line", line)
		}
	}

	if runErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptExecution, s.path, runErr)
	}

	mutations, err := mutation.Decode(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptExecution, s.path, err)
	}
	return mutations, nil
}
