package il2patch

import (
	"archive/zip"
	"fmt"
	"strings"
)

// Inventory maps original archive entry paths to their stored/deflated method.
// It is captured once from the untouched archive and only read afterwards.
type Inventory struct {
	stored map[string]bool
	order  []string
}

// CaptureInventory records every non-directory entry of the archive at path
func CaptureInventory(path string) (*Inventory, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrArchiveIO, path, err)
	}
	defer r.Close()

	return inventoryFromFiles(r.File), nil
}

func inventoryFromFiles(files []*zip.File) *Inventory {
	inv := &Inventory{stored: make(map[string]bool, len(files))}
	for _, f := range files {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name := normalizeEntryName(f.Name)
		if _, dup := inv.stored[name]; !dup {
			inv.order = append(inv.order, name)
		}
		inv.stored[name] = f.Method == zip.Store
	}
	return inv
}

// Stored reports whether name was stored uncompressed, and whether it was in the archive at all
func (inv *Inventory) Stored(name string) (stored, known bool) {
	if inv == nil {
		return false, false
	}
	stored, known = inv.stored[normalizeEntryName(name)]
	return stored, known
}

// Paths returns entry paths in original archive order
func (inv *Inventory) Paths() []string {
	if inv == nil {
		return nil
	}
	return append([]string(nil), inv.order...)
}

// Len returns the number of file entries
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.order)
}

// StoredCount returns the number of entries kept uncompressed
func (inv *Inventory) StoredCount() int {
	n := 0
	for _, name := range inv.Paths() {
		if inv.stored[name] {
			n++
		}
	}
	return n
}

func normalizeEntryName(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}
