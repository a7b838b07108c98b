package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/models"
)

const (
	bundleFileName = "model.gob"
	recordFileName = "record.json"
)

// Registry stores versioned model bundles under <root>/vX.Y.Z/ and manages
// the production model file deployments point at.
type Registry struct {
	root     string // version directories live here
	prodPath string // the file the decision engine loads
	logger   arbor.ILogger
}

func New(root, prodPath string, logger arbor.ILogger) *Registry {
	return &Registry{root: root, prodPath: prodPath, logger: logger}
}

// ProductionPath is the deployed bundle location
func (r *Registry) ProductionPath() string {
	return r.prodPath
}

// Versions lists registered versions in ascending semver order
func (r *Registry) Versions() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, _, _, err := models.ParseSemver(e.Name()); err == nil {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return models.CompareSemver(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// NextVersion bumps the minor component of the latest version, or v1.0.0
// for an empty registry.
func (r *Registry) NextVersion() (string, error) {
	versions, err := r.Versions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "v1.0.0", nil
	}
	major, minor, _, err := models.ParseSemver(versions[len(versions)-1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d.%d.0", major, minor+1), nil
}

// CreateVersion copies the bundle into a new version directory and writes
// its record. The bundle file at bundlePath is left in place.
func (r *Registry) CreateVersion(bundlePath, datasetPath string, stats map[string]float64) (*models.ModelVersion, error) {
	version, err := r.NextVersion()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.root, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create version dir: %w", err)
	}
	dest := filepath.Join(dir, bundleFileName)
	if err := copyFile(bundlePath, dest); err != nil {
		return nil, fmt.Errorf("failed to copy bundle: %w", err)
	}

	record := &models.ModelVersion{
		Version:       version,
		ModelPath:     dest,
		CreatedAt:     time.Now().UTC(),
		TrainingStats: stats,
	}
	if datasetPath != "" {
		if hash, err := fileHash(datasetPath); err == nil {
			record.DatasetHash = hash
		}
	}
	if err := r.writeRecord(record); err != nil {
		return nil, err
	}

	r.logger.Info().Str("version", version).Str("path", dest).Msg("Model version registered")
	return record, nil
}

// Deploy copies a registered version's bundle to the production path and
// stamps the record. The previous production file is kept as a timestamped
// backup next to it.
func (r *Registry) Deploy(version string) error {
	record, err := r.Record(version)
	if err != nil {
		return err
	}
	if _, err := os.Stat(r.prodPath); err == nil {
		backup := fmt.Sprintf("%s.backup-%s", r.prodPath, time.Now().UTC().Format("20060102-150405"))
		if err := copyFile(r.prodPath, backup); err != nil {
			return fmt.Errorf("failed to back up production model: %w", err)
		}
		r.logger.Info().Str("backup", backup).Msg("Previous production model backed up")
	}
	if err := os.MkdirAll(filepath.Dir(r.prodPath), 0o755); err != nil {
		return err
	}
	if err := copyFile(record.ModelPath, r.prodPath); err != nil {
		return fmt.Errorf("failed to deploy model: %w", err)
	}

	now := time.Now().UTC()
	record.DeployedAt = &now
	record.DeployHistory = append(record.DeployHistory, now)
	if err := r.writeRecord(record); err != nil {
		return err
	}

	r.logger.Info().Str("version", version).Str("path", r.prodPath).Msg("Model deployed to production")
	return nil
}

// Rollback redeploys the second most recently deployed version
func (r *Registry) Rollback() (string, error) {
	versions, err := r.Versions()
	if err != nil {
		return "", err
	}
	type deployed struct {
		version string
		at      time.Time
	}
	var history []deployed
	for _, v := range versions {
		record, err := r.Record(v)
		if err != nil || record.DeployedAt == nil {
			continue
		}
		history = append(history, deployed{v, *record.DeployedAt})
	}
	if len(history) < 2 {
		return "", fmt.Errorf("no earlier deployed version to roll back to")
	}
	sort.Slice(history, func(i, j int) bool { return history[i].at.After(history[j].at) })
	target := history[1].version
	if err := r.Deploy(target); err != nil {
		return "", err
	}
	return target, nil
}

// Record loads the stored version record
func (r *Registry) Record(version string) (*models.ModelVersion, error) {
	data, err := os.ReadFile(filepath.Join(r.root, version, recordFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read record for %s: %w", version, err)
	}
	var record models.ModelVersion
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record for %s: %w", version, err)
	}
	return &record, nil
}

func (r *Registry) writeRecord(record *models.ModelVersion) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.root, record.Version, recordFileName), data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
