package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// FILE STORAGE
// =============================================================================
// Handles uploaded import files: path-traversal-safe storage locations,
// restrictive permissions, SHA-256 integrity hashes, quarantine of files
// failing the security scan, and scheduled cleanup of temp and quarantine
// directories.

// Accepted upload MIME types.
var AllowedMIMETypes = map[string]bool{
	"text/csv":                 true,
	"application/csv":          true,
	"text/plain":               true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

const (
	// MaxUploadSize is the per-file upload limit.
	MaxUploadSize = 50 * 1024 * 1024

	// MaxUploadFiles bounds the multi-file upload variant.
	MaxUploadFiles = 10

	// DefaultQuarantineRetentionDays is how long quarantined files are kept
	// for audit before purging.
	DefaultQuarantineRetentionDays = 30
)

// QuarantineMetadata is the sidecar written next to each quarantined file.
type QuarantineMetadata struct {
	OriginalPath   string    `json:"original_path"`
	JobID          string    `json:"job_id"`
	QuarantineTime time.Time `json:"quarantine_time"`
	Threats        []string  `json:"threats"`
	FileSize       int64     `json:"file_size"`
}

// FileStore manages uploaded file placement under a base directory.
type FileStore struct {
	baseDir       string // holds temp/imports/<jobID>/ trees
	quarantineDir string
}

// NewFileStore creates a file store rooted at baseDir, creating the required
// directories.
func NewFileStore(baseDir, quarantineDir string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = "temp"
	}
	if quarantineDir == "" {
		quarantineDir = filepath.Join(baseDir, "quarantine")
	}
	for _, dir := range []string{filepath.Join(baseDir, "imports"), quarantineDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &FileStore{baseDir: baseDir, quarantineDir: quarantineDir}, nil
}

// SanitizeFileName strips path separators and traversal sequences from a
// client-supplied file name.
func SanitizeFileName(name string) string {
	name = filepath.Base(name)
	name = strings.NewReplacer("..", "", "/", "", "\\", "", "\x00", "").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		name = "upload.csv"
	}
	return name
}

// SecurePath generates a collision-resistant storage path for an upload:
// <base>/imports/<jobID>/<unixms>-<rand8>-<sanitizedName>.
func (fs *FileStore) SecurePath(jobID uuid.UUID, originalName string) string {
	name := SanitizeFileName(originalName)
	rand8 := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	fileName := fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), rand8, name)
	return filepath.Join(fs.baseDir, "imports", jobID.String(), fileName)
}

// Save streams upload content to its secure path with owner-only permissions
// and returns the stored path, SHA-256 hex digest and byte size.
func (fs *FileStore) Save(jobID uuid.UUID, originalName string, r io.Reader) (path, hash string, size int64, err error) {
	path = fs.SecurePath(jobID, originalName)
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", "", 0, fmt.Errorf("failed to create job directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		os.Remove(path)
		return "", "", 0, fmt.Errorf("failed to write upload: %w", err)
	}
	if size > MaxUploadSize {
		os.Remove(path)
		return "", "", 0, fmt.Errorf("file exceeds maximum size of %d bytes", MaxUploadSize)
	}

	return path, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// HashFile computes the SHA-256 hex digest of a stored file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyFileIntegrity re-hashes the stored file and compares against the
// hash recorded at upload time. A mismatch means the file changed on disk
// after the security scan.
func (fs *FileStore) VerifyFileIntegrity(path, expectedHash string) (bool, error) {
	if expectedHash == "" {
		return false, fmt.Errorf("no integrity hash recorded")
	}
	actual, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return actual == expectedHash, nil
}

// Quarantine moves a suspicious file into the quarantine directory and
// writes a metadata sidecar. Returns the quarantined path.
func (fs *FileStore) Quarantine(path string, jobID uuid.UUID, threats []string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat file for quarantine: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), jobID, filepath.Base(path))
	quarantinePath := filepath.Join(fs.quarantineDir, name)

	if err := os.Rename(path, quarantinePath); err != nil {
		return "", fmt.Errorf("failed to move file to quarantine: %w", err)
	}

	meta := QuarantineMetadata{
		OriginalPath:   path,
		JobID:          jobID.String(),
		QuarantineTime: time.Now().UTC(),
		Threats:        threats,
		FileSize:       info.Size(),
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(quarantinePath+".metadata.json", metaJSON, 0o600); err != nil {
		log.Printf("[FileStore] failed to write quarantine metadata for %s: %v", quarantinePath, err)
	}

	log.Printf("[FileStore] quarantined %s (job %s): %v", path, jobID, threats)
	return quarantinePath, nil
}

// CleanupJobFiles removes the temp directory for one job.
func (fs *FileStore) CleanupJobFiles(jobID uuid.UUID) error {
	dir := filepath.Join(fs.baseDir, "imports", jobID.String())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job files: %w", err)
	}
	return nil
}

// PurgeQuarantine deletes quarantined files (and their sidecars) older than
// the retention window. Returns the number of files removed.
func (fs *FileStore) PurgeQuarantine(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultQuarantineRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(fs.quarantineDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read quarantine directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(fs.quarantineDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Printf("[FileStore] failed to purge %s: %v", path, err)
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".metadata.json") {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[FileStore] purged %d quarantined files older than %d days", removed, retentionDays)
	}
	return removed, nil
}

// CleanupTempFiles removes orphaned job directories older than the given age
// whose jobs are no longer active. The caller supplies the active set.
func (fs *FileStore) CleanupTempFiles(olderThan time.Duration, activeJobs map[uuid.UUID]bool) (int, error) {
	importsDir := filepath.Join(fs.baseDir, "imports")
	entries, err := os.ReadDir(importsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read imports directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		if activeJobs[jobID] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(importsDir, entry.Name())); err != nil {
			log.Printf("[FileStore] failed to remove temp dir for job %s: %v", jobID, err)
			continue
		}
		removed++
	}
	return removed, nil
}
