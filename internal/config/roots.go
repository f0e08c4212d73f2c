package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
)

// Supported remote backends.
const (
	BackendHTTP   = "http"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

var rootNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// RootsFile is the on-disk YAML layout.
type RootsFile struct {
	Roots []Root `yaml:"roots"`
}

// Root is one configured sync root: a local directory bound to a remote
// folder of one account.
type Root struct {
	Name         string   `yaml:"name"`
	LocalDir     string   `yaml:"local_dir"`
	AccountID    string   `yaml:"account_id"`
	RemoteFolder string   `yaml:"remote_folder"`
	Backend      string   `yaml:"backend"`
	ServerURL    string   `yaml:"server_url"`
	NotifyURL    string   `yaml:"notify_url"`
	TokenEnv     string   `yaml:"token_env"`
	S3           S3Root   `yaml:"s3"`
	Exclude      []string `yaml:"exclude"`
	Ignore       []string `yaml:"ignore"`
}

// S3Root holds object store settings for the s3 backend.
type S3Root struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// LoadRoots reads and validates the roots file. Local directories are
// expanded (~) and made absolute.
func LoadRoots(path string) ([]Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.Config(fmt.Errorf("reading roots file: %w", err))
	}

	return ParseRoots(data)
}

// ParseRoots decodes and validates roots YAML.
func ParseRoots(data []byte) ([]Root, error) {
	var file RootsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, syncerr.Config(fmt.Errorf("parsing roots file: %w", err))
	}

	if len(file.Roots) == 0 {
		return nil, syncerr.Config(errors.New("roots file defines no sync roots"))
	}

	for i := range file.Roots {
		r := &file.Roots[i]
		if r.Backend == "" {
			r.Backend = BackendHTTP
		}

		dir, err := expandHome(r.LocalDir)
		if err != nil {
			return nil, syncerr.Config(err)
		}

		r.LocalDir = dir
	}

	if err := validateRoots(file.Roots); err != nil {
		return nil, syncerr.Config(fmt.Errorf("validating roots: %w", err))
	}

	return file.Roots, nil
}

func validateRoots(roots []Root) error {
	names := make(map[string]struct{}, len(roots))

	for i, r := range roots {
		if !rootNamePattern.MatchString(r.Name) {
			return fmt.Errorf("root %d: invalid name %q", i+1, r.Name)
		}

		if _, dup := names[r.Name]; dup {
			return fmt.Errorf("duplicate root name %q", r.Name)
		}

		names[r.Name] = struct{}{}

		if r.LocalDir == "" {
			return fmt.Errorf("root %q: local_dir is required", r.Name)
		}

		if r.AccountID == "" {
			return fmt.Errorf("root %q: account_id is required", r.Name)
		}

		if r.RemoteFolder == "" {
			return fmt.Errorf("root %q: remote_folder is required", r.Name)
		}

		if err := r.validateBackend(); err != nil {
			return err
		}
	}

	// Two roots sharing or nesting a local directory would scan each
	// other's files.
	for i := range roots {
		for j := i + 1; j < len(roots); j++ {
			if nested(roots[i].LocalDir, roots[j].LocalDir) {
				return fmt.Errorf("roots %q and %q have overlapping local directories", roots[i].Name, roots[j].Name)
			}
		}
	}

	return nil
}

func (r Root) validateBackend() error {
	switch r.Backend {
	case BackendHTTP:
		if r.ServerURL == "" {
			return fmt.Errorf("root %q: server_url is required for the http backend", r.Name)
		}

		if r.TokenEnv == "" {
			return fmt.Errorf("root %q: token_env is required for the http backend", r.Name)
		}
	case BackendS3:
		if r.S3.Bucket == "" {
			return fmt.Errorf("root %q: s3.bucket is required for the s3 backend", r.Name)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("root %q: unknown backend %q", r.Name, r.Backend)
	}

	return nil
}

func nested(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}

	sep := string(filepath.Separator)

	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}

func expandHome(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}

	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}

		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving local dir to absolute path: %w", err)
	}

	return abs, nil
}
