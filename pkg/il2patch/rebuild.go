package il2patch

import (
	"archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/flate"
	"github.com/woozymasta/pathrules"
	"go.uber.org/multierr"
)

// RebuildOptions controls how entries missing from the inventory are written
type RebuildOptions struct {
	// StoreRules are gitignore-style patterns; new entries matching them are
	// stored instead of deflated. Entries known to the inventory ignore them.
	StoreRules []string
	// OnEntry, if set, is called after each entry is written
	OnEntry func(name string)
}

type rebuildEntry struct {
	name string
	path string
	info fs.FileInfo
}

// RebuildArchive packs every regular file under root into a new archive at outputPath.
// Entries keep the stored/deflated method recorded in inv; files the inventory
// does not know are deflated unless a store rule matches. The archive is
// written to a temporary file and renamed into place only on success.
func RebuildArchive(root string, inv *Inventory, outputPath string, opts RebuildOptions) (err error) {
	storeMatcher, err := newStoreMatcher(opts.StoreRules)
	if err != nil {
		return err
	}

	entries, err := collectEntries(root)
	if err != nil {
		return fmt.Errorf("%w: failed to walk %s: %v", ErrArchiveIO, root, err)
	}
	orderEntries(entries, inv)

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".il2patch-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create output file: %v", ErrArchiveIO, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err := writeEntries(tmp, entries, inv, storeMatcher, opts.OnEntry); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrArchiveIO, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to set output permissions: %v", ErrArchiveIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close output file: %v", ErrArchiveIO, err)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("%w: failed to move archive into place: %v", ErrArchiveIO, err)
	}
	return nil
}

func writeEntries(out io.Writer, entries []rebuildEntry, inv *Inventory, storeMatcher *pathrules.Matcher, onEntry func(string)) (err error) {
	w := zip.NewWriter(out)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	defer multierr.AppendInvoke(&err, multierr.Close(w))

	for _, e := range entries {
		stored, known := inv.Stored(e.name)
		if !known && storeMatcher != nil {
			stored = storeMatcher.Included(e.name, false)
		}

		if stored {
			err = writeStoredEntry(w, e)
		} else {
			err = writeDeflatedEntry(w, e)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", e.name, err)
		}
		if onEntry != nil {
			onEntry(e.name)
		}
	}
	return nil
}

func writeDeflatedEntry(w *zip.Writer, e rebuildEntry) (err error) {
	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return err
	}
	header.Name = e.name
	header.Method = zip.Deflate

	writer, err := w.CreateHeader(header)
	if err != nil {
		return err
	}

	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(file))

	_, err = io.Copy(writer, file)
	return err
}

// writeStoredEntry writes the CRC and sizes into the local header up front so
// the entry carries no data descriptor, which keeps offsets predictable for aligners.
func writeStoredEntry(w *zip.Writer, e rebuildEntry) (err error) {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(file))

	crc := crc32.NewIEEE()
	size, err := io.Copy(crc, file)
	if err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return err
	}
	header.Name = e.name
	header.Method = zip.Store
	header.CRC32 = crc.Sum32()
	header.CompressedSize64 = uint64(size)
	header.UncompressedSize64 = uint64(size)

	writer, err := w.CreateRaw(header)
	if err != nil {
		return err
	}

	n, err := io.Copy(writer, file)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("file changed while writing: read %d of %d bytes", n, size)
	}
	return nil
}

func collectEntries(root string) ([]rebuildEntry, error) {
	var entries []rebuildEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name, err := entryName(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, rebuildEntry{name: name, path: path, info: info})
		return nil
	})
	return entries, err
}

// entryName maps a file under root back to its archive entry name.
// Extraction wrote entry E to root/E, so the slash-separated path relative
// to root is E itself.
func entryName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// orderEntries puts entries known to the inventory first, in original
// archive order, followed by new files in lexical order.
func orderEntries(entries []rebuildEntry, inv *Inventory) {
	rank := make(map[string]int, inv.Len())
	for i, name := range inv.Paths() {
		rank[name] = i
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, iKnown := rank[entries[i].name]
		rj, jKnown := rank[entries[j].name]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown != jKnown:
			return iKnown
		default:
			return entries[i].name < entries[j].name
		}
	})
}

func newStoreMatcher(patterns []string) (*pathrules.Matcher, error) {
	rules := make([]pathrules.Rule, 0, len(patterns))
	for _, p := range patterns {
		p = normalizeEntryName(p)
		if p == "" {
			continue
		}
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionInclude, Pattern: p})
	}
	if len(rules) == 0 {
		return nil, nil
	}

	m, err := pathrules.NewMatcher(rules, pathrules.MatcherOptions{
		DefaultAction: pathrules.ActionExclude,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid store rules: %v", ErrConfiguration, err)
	}
	return m, nil
}
