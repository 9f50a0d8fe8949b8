// Package local implements a local filesystem page store.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/multicrawl/internal/crawler"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Config captures the parameters for the local filesystem page store.
type Config struct {
	// BaseDir is the root directory; each controller gets a subdirectory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// SaveBody also writes the raw page body next to the metadata.
	SaveBody bool `mapstructure:"save_body" yaml:"save_body"`
}

// PageStore writes one JSON metadata file, and optionally the body, per page.
type PageStore struct {
	baseDir  string
	saveBody bool
}

// New creates a new local filesystem-backed page store.
func New(cfg Config) (*PageStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &PageStore{
		baseDir:  cfg.BaseDir,
		saveBody: cfg.SaveBody,
	}, nil
}

// SavePage writes <base>/<controller>/<name>.json and, when enabled, <name>.html.
func (s *PageStore) SavePage(ctx context.Context, record crawler.PageRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save page: %w", err)
	}
	if strings.TrimSpace(record.Controller) == "" {
		return fmt.Errorf("controller is required")
	}

	dir, err := s.controllerDir(record.Controller)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	base := filepath.Join(dir, SafeBasename(record.URL))
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page record: %w", err)
	}
	if err := os.WriteFile(base+".json", payload, 0o600); err != nil {
		return fmt.Errorf("write metadata %s: %w", base+".json", err)
	}
	if s.saveBody && len(record.Body) > 0 {
		if err := os.WriteFile(base+".html", record.Body, 0o600); err != nil {
			return fmt.Errorf("write body %s: %w", base+".html", err)
		}
	}
	return nil
}

// Path returns the metadata file path for a page.
func (s *PageStore) Path(controller, rawURL string) (string, error) {
	dir, err := s.controllerDir(controller)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SafeBasename(rawURL)+".json"), nil
}

func (s *PageStore) controllerDir(controller string) (string, error) {
	cleanBaseDir := filepath.Clean(s.baseDir)
	dir := filepath.Clean(filepath.Join(s.baseDir, controller))
	if !strings.HasPrefix(dir, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return dir, nil
}

// SafeBasename derives a readable, collision-resistant file name from a URL.
func SafeBasename(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])
	u, err := url.Parse(raw)
	if err != nil {
		return hash
	}
	host := invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = invalidFilenameChars.ReplaceAllString(p, "_")
	if len(p) > 80 {
		p = p[:80]
	}
	return fmt.Sprintf("%s_%s_%s", host, p, hash[:16])
}
