package il2patch

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
)

// fprint is a helper that ignores fmt.Fprintf errors (for CLI output)
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

// fprintln is a helper that ignores fmt.Fprintln errors (for CLI output)
func fprintln(w io.Writer) {
	_, _ = fmt.Fprintln(w)
}

// ArchiveDiff represents the differences between two archives
type ArchiveDiff struct {
	Path1 string
	Path2 string

	// Only in one archive
	OnlyIn1 []string
	OnlyIn2 []string

	MethodChanged  []FieldDiff
	ContentChanged []FieldDiff
}

// FieldDiff represents a single entry whose attribute differs
type FieldDiff struct {
	Name   string
	Value1 string
	Value2 string
}

// Same reports whether both archives hold the same entries with the same methods and contents
func (d *ArchiveDiff) Same() bool {
	return len(d.OnlyIn1) == 0 && len(d.OnlyIn2) == 0 &&
		len(d.MethodChanged) == 0 && len(d.ContentChanged) == 0
}

type entrySummary struct {
	stored bool
	crc    uint32
	size   uint64
}

// CompareArchives compares entry sets, stored/deflated methods and contents
// (CRC-32 and uncompressed size) of two archives. Entry order and timestamps
// are ignored.
func CompareArchives(path1, path2 string) (*ArchiveDiff, error) {
	e1, err := summarizeArchive(path1)
	if err != nil {
		return nil, err
	}
	e2, err := summarizeArchive(path2)
	if err != nil {
		return nil, err
	}

	diff := &ArchiveDiff{Path1: path1, Path2: path2}
	for name, s1 := range e1 {
		s2, ok := e2[name]
		if !ok {
			diff.OnlyIn1 = append(diff.OnlyIn1, name)
			continue
		}
		if s1.stored != s2.stored {
			diff.MethodChanged = append(diff.MethodChanged, FieldDiff{
				Name:   name,
				Value1: methodName(s1.stored),
				Value2: methodName(s2.stored),
			})
		}
		if s1.crc != s2.crc || s1.size != s2.size {
			diff.ContentChanged = append(diff.ContentChanged, FieldDiff{
				Name:   name,
				Value1: fmt.Sprintf("crc %08x, %d bytes", s1.crc, s1.size),
				Value2: fmt.Sprintf("crc %08x, %d bytes", s2.crc, s2.size),
			})
		}
	}
	for name := range e2 {
		if _, ok := e1[name]; !ok {
			diff.OnlyIn2 = append(diff.OnlyIn2, name)
		}
	}

	sort.Strings(diff.OnlyIn1)
	sort.Strings(diff.OnlyIn2)
	sort.Slice(diff.MethodChanged, func(i, j int) bool { return diff.MethodChanged[i].Name < diff.MethodChanged[j].Name })
	sort.Slice(diff.ContentChanged, func(i, j int) bool { return diff.ContentChanged[i].Name < diff.ContentChanged[j].Name })
	return diff, nil
}

func summarizeArchive(path string) (map[string]entrySummary, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrArchiveIO, path, err)
	}
	defer r.Close()

	entries := make(map[string]entrySummary, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries[normalizeEntryName(f.Name)] = entrySummary{
			stored: f.Method == zip.Store,
			crc:    f.CRC32,
			size:   f.UncompressedSize64,
		}
	}
	return entries, nil
}

func methodName(stored bool) string {
	if stored {
		return "stored"
	}
	return "deflated"
}

// PrintArchiveDiff prints the differences between two archives
func PrintArchiveDiff(diff *ArchiveDiff, w io.Writer) {
	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fprint(w, "Comparing:\n")
	fprint(w, "  [1] %s\n", diff.Path1)
	fprint(w, "  [2] %s\n", diff.Path2)
	fprintln(w)

	if diff.Same() {
		fprint(w, "%s\n", green("Archives are equivalent"))
		return
	}

	for _, name := range diff.OnlyIn1 {
		fprint(w, "%s %s\n", red("- only in [1]:"), name)
	}
	for _, name := range diff.OnlyIn2 {
		fprint(w, "%s %s\n", green("+ only in [2]:"), name)
	}
	for _, d := range diff.MethodChanged {
		fprint(w, "%s %s: %s -> %s\n", yellow("~ method:"), d.Name, d.Value1, d.Value2)
	}
	for _, d := range diff.ContentChanged {
		fprint(w, "%s %s\n", yellow("~ content:"), d.Name)
		fprint(w, "    [1] %s\n", d.Value1)
		fprint(w, "    [2] %s\n", d.Value2)
	}

	fprintln(w)
	fprint(w, "Summary: %d only in [1], %d only in [2], %d method changes, %d content changes\n",
		len(diff.OnlyIn1), len(diff.OnlyIn2), len(diff.MethodChanged), len(diff.ContentChanged))
}
