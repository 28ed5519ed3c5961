package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	manifestName = "manifest.json"
	dataPrefix   = "data/"
)

// writeArchive creates a zip archive at dest containing manifest.json at the
// root and the instance files under data/. The context is checked between
// files so a cancelled backup stops without producing a complete archive.
func writeArchive(ctx context.Context, dest, root string, manifest Manifest) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	mw, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return err
	}

	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addArchiveFile(zw, root, entry); err != nil {
			return err
		}
	}

	return zw.Close()
}

func addArchiveFile(zw *zip.Writer, root string, entry ManifestEntry) error {
	src, err := os.Open(filepath.Join(root, filepath.FromSlash(entry.Path)))
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(dataPrefix + entry.Path)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// readManifest extracts and decodes manifest.json from an archive without
// touching the data entries.
func readManifest(src string) (Manifest, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return Manifest{}, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != manifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Manifest{}, err
		}
		defer rc.Close()

		var m Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			return Manifest{}, err
		}
		return m, nil
	}
	return Manifest{}, fmt.Errorf("archive has no %s", manifestName)
}

// extractArchive verifies every data entry against the manifest checksums
// and then writes the tree under dest. Verification is a separate read-only
// pass over the archive, so a corrupt or tampered entry is caught before a
// single byte lands in dest.
func extractArchive(ctx context.Context, src, dest string, manifest Manifest) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := verifyArchive(ctx, &r.Reader, dest, manifest); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Name == manifestName || f.FileInfo().IsDir() {
			continue
		}
		if err := writeArchiveFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

// verifyArchive checks the archive's shape and every entry's size and
// checksum against the manifest without writing anything.
func verifyArchive(ctx context.Context, r *zip.Reader, dest string, manifest Manifest) error {
	wanted := make(map[string]ManifestEntry, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		wanted[entry.Path] = entry
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Name == manifestName || f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasPrefix(f.Name, dataPrefix) {
			return fmt.Errorf("unexpected archive entry: %s", f.Name)
		}
		rel := strings.TrimPrefix(f.Name, dataPrefix)
		entry, ok := wanted[rel]
		if !ok {
			return fmt.Errorf("archive entry %s not in manifest", f.Name)
		}
		delete(wanted, rel)

		// Check for ZipSlip (Directory traversal)
		path := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path: %s", path)
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		size, sum, err := hashReader(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if size != entry.Size || sum != entry.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", rel)
		}
	}

	for rel := range wanted {
		return fmt.Errorf("archive missing file listed in manifest: %s", rel)
	}
	return nil
}

// writeArchiveFile extracts one verified data entry under dest.
func writeArchiveFile(f *zip.File, dest string) error {
	rel := strings.TrimPrefix(f.Name, dataPrefix)
	path := filepath.Join(dest, filepath.FromSlash(rel))

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
