package il2patch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ExtractArchive extracts every file entry of the archive into destDir.
// Entry E is written to destDir/E; directory entries are skipped.
// onEntry, if set, is called once per entry after it is handled.
func ExtractArchive(archivePath, destDir string, onEntry func(name string)) (err error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", ErrArchiveIO, archivePath, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(r))

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, f := range r.File {
		if err := extractZipFile(f, destDir); err != nil {
			return fmt.Errorf("%w: failed to extract %s: %v", ErrArchiveIO, f.Name, err)
		}
		if onEntry != nil {
			onEntry(f.Name)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, destDir string) (err error) {
	name := normalizeEntryName(f.Name)
	if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return nil
	}

	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	// owner write is always kept so payloads can be patched in place
	mode := f.Mode().Perm() | 0200
	if mode == 0200 {
		mode = 0644
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(destFile))

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(srcFile))

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindAPK returns the first .apk in dir, ignoring outputs this tool produces
func FindAPK(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".apk") {
			continue
		}
		switch strings.ToLower(e.Name()) {
		case PatchedName, AlignedName, SignedName:
			continue
		}
		return filepath.Join(dir, e.Name()), nil
	}
	return "", fmt.Errorf("%w: no APK file in %s", ErrInputNotFound, dir)
}

// ArchInfo describes one architecture directory inside an archive
type ArchInfo struct {
	Arch        string
	PayloadSize int64 // -1 when the payload is absent
	Stored      bool
}

// ArchiveInfo summarises an archive without extracting it
type ArchiveInfo struct {
	Path          string
	Entries       int
	StoredEntries int
	Archs         []ArchInfo
	Signer        *SignerInfo
}

// InspectArchive reads entry methods and architecture payloads straight from the archive
func InspectArchive(archivePath, libDir, payloadName string) (*ArchiveInfo, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrArchiveIO, archivePath, err)
	}
	defer r.Close()

	inv := inventoryFromFiles(r.File)
	info := &ArchiveInfo{
		Path:          archivePath,
		Entries:       inv.Len(),
		StoredEntries: inv.StoredCount(),
	}

	prefix := strings.Trim(libDir, "/") + "/"
	archs := make(map[string]*ArchInfo)
	for _, f := range r.File {
		name := normalizeEntryName(f.Name)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		arch, file, ok := strings.Cut(rest, "/")
		if !ok || arch == "" {
			continue
		}
		a, seen := archs[arch]
		if !seen {
			a = &ArchInfo{Arch: arch, PayloadSize: -1}
			archs[arch] = a
		}
		if path.Clean(file) == payloadName {
			a.PayloadSize = int64(f.UncompressedSize64)
			a.Stored = f.Method == zip.Store
		}
	}

	for _, a := range archs {
		info.Archs = append(info.Archs, *a)
	}
	sort.Slice(info.Archs, func(i, j int) bool { return info.Archs[i].Arch < info.Archs[j].Arch })

	if signer, err := ReadV1Signature(archivePath); err == nil {
		info.Signer = signer
	}
	return info, nil
}
