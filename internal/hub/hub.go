// Package hub fetches ColBERT model files from the Hugging Face Hub into the
// local cache.
package hub

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/comfforts/logger"
	hfhub "github.com/gomlx/go-huggingface/hub"

	"github.com/hankgalt/colbert/internal/modelconfig"
	"github.com/hankgalt/colbert/pkg/domain"
)

const EnvHFToken = "HF_TOKEN"

// Repo is the subset of a hub repository used for downloads.
type Repo interface {
	ListFiles() ([]string, error)
	DownloadFile(name string) (string, error)
}

type hfRepo struct {
	repo *hfhub.Repo
}

// NewRepo opens cfg.RepoID. The auth token falls back to HF_TOKEN.
func NewRepo(cfg domain.HubConfig) (Repo, error) {
	if cfg.RepoID == "" {
		return nil, domain.ConfigError("open hub repo", "repo id is required")
	}
	repo := hfhub.New(cfg.RepoID)
	token := cfg.AuthToken
	if token == "" {
		token = os.Getenv(EnvHFToken)
	}
	if token != "" {
		repo = repo.WithAuth(token)
	}
	if cfg.CacheDir != "" {
		repo = repo.WithCacheDir(cfg.CacheDir)
	}
	return &hfRepo{repo: repo}, nil
}

func (h *hfRepo) ListFiles() ([]string, error) {
	var names []string
	for name, err := range h.repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (h *hfRepo) DownloadFile(name string) (string, error) {
	return h.repo.DownloadFile(name)
}

// Files returns the repository files needed to build a model, required ones
// first. modelFile defaults to model.onnx.
func Files(modelFile string) (required, optional []string) {
	if modelFile == "" {
		modelFile = domain.DefaultModelFile
	}
	required = []string{
		modelFile,
		modelconfig.TokenizerFile,
		modelconfig.ConfigFile,
		path.Join(modelconfig.DefaultDenseDirs[0], modelconfig.ConfigFile),
		path.Join(modelconfig.DefaultDenseDirs[0], modelconfig.DenseWeightsFile),
	}
	optional = []string{
		modelconfig.SentenceTransformersFile,
		modelconfig.SpecialTokensFile,
		modelconfig.ModulesFile,
	}
	for _, dir := range modelconfig.DefaultDenseDirs[1:] {
		optional = append(optional,
			path.Join(dir, modelconfig.ConfigFile),
			path.Join(dir, modelconfig.DenseWeightsFile),
		)
	}
	return required, optional
}

// Download fetches the model file set and returns the local directory
// holding it. Optional files absent from the repository are skipped; a
// missing required file is a configuration error.
func Download(ctx context.Context, repo Repo, modelFile string) (string, error) {
	l, err := logger.LoggerFromContext(ctx)
	if err != nil {
		l = logger.GetSlogLogger()
	}

	listed, err := repo.ListFiles()
	if err != nil {
		return "", domain.UpstreamError("list hub files", err)
	}
	available := make(map[string]bool, len(listed))
	for _, f := range listed {
		available[f] = true
	}

	required, optional := Files(modelFile)
	var want []string
	for _, f := range required {
		if !available[f] {
			return "", domain.ConfigError("download model", "required file %q not found in repository", f)
		}
		want = append(want, f)
	}
	for _, f := range optional {
		if available[f] {
			want = append(want, f)
		}
	}

	var dir string
	for _, f := range want {
		if err := ctx.Err(); err != nil {
			return "", domain.UpstreamError("download model", err)
		}
		local, err := repo.DownloadFile(f)
		if err != nil {
			l.Error("hub:Download - error downloading file", "file", f, "error", err.Error())
			return "", domain.UpstreamError("download "+f, err)
		}
		if f == modelconfig.ConfigFile {
			dir = snapshotDir(local, f)
		}
		l.Debug("hub:Download - fetched", "file", f, "path", local)
	}
	return dir, nil
}

// snapshotDir strips the repository relative name from a downloaded path.
func snapshotDir(local, name string) string {
	rel := filepath.FromSlash(name)
	return filepath.Clean(strings.TrimSuffix(local, rel))
}
