package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ManifestEntry describes one file inside an archive. Path is slash
// separated and relative to the instance data directory.
type ManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the content listing of a backup archive. It is written into
// the archive itself, so an archive is restorable without the launcher's
// backup index.
type Manifest struct {
	ArchiveID  string          `json:"archiveId"`
	InstanceID string          `json:"instanceId"`
	CreatedAt  time.Time       `json:"createdAt"`
	Entries    []ManifestEntry `json:"entries"`
}

// buildManifest walks root and checksums every regular file. Symlinks and
// other special files are skipped; the managed application keeps only
// regular files in its data directory.
func buildManifest(root string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		size, sum, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{
			Path:   filepath.ToSlash(rel),
			Size:   size,
			SHA256: sum,
		})
		return nil
	})
	return entries, err
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func hashReader(r io.Reader) (int64, string, error) {
	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
