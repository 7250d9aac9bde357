// Package files stores client uploads and serves job artifacts.
//
// Uploaded alignments and templates are kept under their own random
// directory and handed back as opaque "upload:" references that a
// submission can embed in place of a path. Artifact access is restricted to
// a fixed set of names so the HTTP surface never exposes arbitrary files of
// a job directory.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/result"
)

// ReferencePrefix marks an upload reference.
const ReferencePrefix = "upload:"

// Upload kinds.
const (
	KindAlignment = "msa"
	KindTemplate  = "template"
)

// Config holds file gateway configuration.
type Config struct {
	Root          string `env:"UPLOADS_DIR" envDefault:"uploads"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"67108864"`
}

// LoadConfigFromEnv loads file gateway configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = "uploads"
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 64 << 20
	}
	return c
}

// Upload describes a stored upload.
type Upload struct {
	Filename  string `json:"filename"`
	Reference string `json:"reference"`
	// Path repeats Reference for clients that read the upload location
	// from "path".
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// MetricsRecorder records accepted uploads.
type MetricsRecorder interface {
	RecordUpload(ctx context.Context, kind string, size int64)
}

// Gateway stores uploads and resolves job artifacts.
type Gateway struct {
	root    string
	maxSize int64
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a gateway rooted at cfg.Root, creating it if needed. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) (*Gateway, error) {
	cfg = cfg.withDefaults()
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Gateway{
		root:    root,
		maxSize: cfg.MaxUploadSize,
		metrics: metrics,
		logger:  slog.With("component", "files"),
	}, nil
}

// MaxUploadSize returns the largest accepted upload in bytes.
func (g *Gateway) MaxUploadSize() int64 {
	return g.maxSize
}

var (
	alignmentExts = []string{".a3m"}
	templateExts  = []string{".cif", ".pdb"}
)

// SaveAlignment stores a multiple sequence alignment (.a3m).
func (g *Gateway) SaveAlignment(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	return g.save(ctx, KindAlignment, alignmentExts, name, r)
}

// SaveTemplate stores a structural template (.cif or .pdb).
func (g *Gateway) SaveTemplate(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	return g.save(ctx, KindTemplate, templateExts, name, r)
}

func (g *Gateway) save(ctx context.Context, kind string, exts []string, name string, r io.Reader) (*Upload, error) {
	base, err := uploadName(name)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(exts, strings.ToLower(filepath.Ext(base))) {
		return nil, apperrors.UploadRejected("file", fmt.Sprintf("only %s files are allowed", strings.Join(exts, " and ")))
	}

	token := uuid.NewString()
	dir := filepath.Join(g.root, token)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, apperrors.Internal("files.save", err)
	}

	size, err := g.write(filepath.Join(dir, base), r)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	ref := ReferencePrefix + token + "/" + base
	if g.metrics != nil {
		g.metrics.RecordUpload(ctx, kind, size)
	}
	g.logger.Info("Upload stored", "kind", kind, "reference", ref, "size", size)
	return &Upload{Filename: base, Reference: ref, Path: ref, Size: size}, nil
}

func (g *Gateway) write(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, apperrors.Internal("files.write", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, g.maxSize+1))
	if err != nil {
		return 0, apperrors.Internal("files.write", err)
	}
	if n > g.maxSize {
		return 0, apperrors.UploadRejected("file", fmt.Sprintf("file exceeds the %d byte upload limit", g.maxSize))
	}
	if err := f.Close(); err != nil {
		return 0, apperrors.Internal("files.write", err)
	}
	return n, nil
}

// IsReference reports whether value is an upload reference.
func (g *Gateway) IsReference(value string) bool {
	return strings.HasPrefix(value, ReferencePrefix)
}

// Resolve returns the stored path of an upload reference.
func (g *Gateway) Resolve(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, ReferencePrefix)
	if !ok {
		return "", apperrors.NotFound("upload", ref)
	}
	token, name, ok := strings.Cut(rest, "/")
	if !ok || uuid.Validate(token) != nil || name != filepath.Base(name) || name == "." || name == ".." {
		return "", apperrors.NotFound("upload", ref)
	}

	path := filepath.Join(g.root, token, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", apperrors.NotFound("upload", ref)
	}
	return path, nil
}

// Log and input file names kept in the job directory.
const (
	InputFile  = result.InputStem + ".yaml"
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

var confidenceName = regexp.MustCompile(`^confidence_` + result.InputStem + `_model_\d+\.json$`)

// Allowed reports whether an artifact name may be served.
func Allowed(name string) bool {
	switch name {
	case result.AffinityFile, InputFile, StdoutFile, StderrFile:
		return true
	}
	return confidenceName.MatchString(name)
}

// Artifact returns the path of an allowed artifact, looking in the output
// directory, then the predictions directory, then the job directory.
func (g *Gateway) Artifact(jobDir, outputDir, name string) (string, error) {
	if !Allowed(name) {
		return "", apperrors.Forbidden("file", name)
	}
	candidates := []string{
		filepath.Join(outputDir, name),
		filepath.Join(outputDir, filepath.FromSlash(result.PredictionsDir), name),
		filepath.Join(jobDir, name),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", apperrors.NotFound("file", name)
}

// Structure returns the path of the primary structure file of a job.
func (g *Gateway) Structure(outputDir string) (string, error) {
	path, err := result.FindStructure(outputDir)
	if errors.Is(err, result.ErrArtifactMissing) || errors.Is(err, fs.ErrNotExist) {
		return "", apperrors.NotFound("structure", filepath.Base(filepath.Dir(outputDir)))
	}
	if err != nil {
		return "", apperrors.Internal("files.structure", err)
	}
	return path, nil
}

// ContentType returns the media type an artifact is served with.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".log", ".txt", ".a3m":
		return "text/plain; charset=utf-8"
	case ".pdb":
		return "chemical/x-pdb"
	case ".cif":
		return "chemical/x-cif"
	default:
		return "application/octet-stream"
	}
}

func uploadName(name string) (string, error) {
	// Clients may send a full path; only the last element is kept.
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", apperrors.UploadRejected("file", "a file name is required")
	}
	return base, nil
}
