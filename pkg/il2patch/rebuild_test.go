package il2patch

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// extractSample writes the sample APK, extracts it and returns (apk, root, inventory)
func extractSample(t *testing.T) (string, string, *Inventory) {
	t.Helper()
	dir := t.TempDir()
	apk := filepath.Join(dir, "app.apk")
	writeTestArchive(t, apk, sampleAPK())

	inv, err := CaptureInventory(apk)
	if err != nil {
		t.Fatalf("CaptureInventory failed: %v", err)
	}
	root := filepath.Join(dir, "work")
	if err := ExtractArchive(apk, root, nil); err != nil {
		t.Fatalf("ExtractArchive failed: %v", err)
	}
	return apk, root, inv
}

func TestRebuildArchive_RoundTrip(t *testing.T) {
	apk, root, inv := extractSample(t)
	out := filepath.Join(t.TempDir(), "rebuilt.apk")

	if err := RebuildArchive(root, inv, out, RebuildOptions{}); err != nil {
		t.Fatalf("RebuildArchive failed: %v", err)
	}

	diff, err := CompareArchives(apk, out)
	if err != nil {
		t.Fatalf("CompareArchives failed: %v", err)
	}
	if !diff.Same() {
		t.Errorf("Rebuilt archive differs: %+v", diff)
	}

	// Known entries keep their original order
	orig := readTestArchive(t, apk)
	rebuilt := readTestArchive(t, out)
	for i := range orig {
		if rebuilt[i].Name != orig[i].Name {
			t.Errorf("Entry %d = %s, want %s", i, rebuilt[i].Name, orig[i].Name)
		}
		if rebuilt[i].Stored != orig[i].Stored {
			t.Errorf("%s: stored = %v, want %v", orig[i].Name, rebuilt[i].Stored, orig[i].Stored)
		}
		if !bytes.Equal(rebuilt[i].Data, orig[i].Data) {
			t.Errorf("%s: content differs", orig[i].Name)
		}
	}
}

func TestRebuildArchive_PatchedPayload(t *testing.T) {
	apk, root, inv := extractSample(t)

	set, err := ParseDescriptors([]byte(`<Patches><Patch arch="arm64-v8a"><Find>AA BB CC</Find><Replace>11 22 33</Replace></Patch></Patches>`), FormatXML)
	if err != nil {
		t.Fatalf("ParseDescriptors failed: %v", err)
	}
	if _, err := PatchArchitectures(t.Context(), Discard(), root, set, WalkOptions{}); err != nil {
		t.Fatalf("PatchArchitectures failed: %v", err)
	}

	out := filepath.Join(t.TempDir(), "patched.apk")
	if err := RebuildArchive(root, inv, out, RebuildOptions{}); err != nil {
		t.Fatalf("RebuildArchive failed: %v", err)
	}

	entries := readTestArchive(t, out)
	png, ok := findTestEntry(entries, "assets/x.png")
	if !ok || !png.Stored {
		t.Errorf("assets/x.png should be present and stored: %+v", png)
	}
	lib, ok := findTestEntry(entries, "lib/arm64-v8a/libil2cpp.so")
	if !ok || lib.Stored {
		t.Fatalf("payload should be present and deflated")
	}
	if !bytes.Equal(lib.Data[100:103], []byte{0x11, 0x22, 0x33}) {
		t.Errorf("payload bytes at 100 = % X", lib.Data[100:103])
	}

	diff, err := CompareArchives(apk, out)
	if err != nil {
		t.Fatalf("CompareArchives failed: %v", err)
	}
	if len(diff.OnlyIn1)+len(diff.OnlyIn2)+len(diff.MethodChanged) != 0 {
		t.Errorf("Only content should change: %+v", diff)
	}
	if len(diff.ContentChanged) != 1 || diff.ContentChanged[0].Name != "lib/arm64-v8a/libil2cpp.so" {
		t.Errorf("ContentChanged = %+v", diff.ContentChanged)
	}
}

func TestRebuildArchive_NewAndDeletedFiles(t *testing.T) {
	_, root, inv := extractSample(t)

	if err := os.Remove(filepath.Join(root, "classes.dex")); err != nil {
		t.Fatalf("Failed to delete file: %v", err)
	}
	writeFile(t, filepath.Join(root, "assets", "new.bin"), []byte("raw data"))
	writeFile(t, filepath.Join(root, "assets", "a-new.txt"), []byte("text"))

	out := filepath.Join(t.TempDir(), "out.apk")
	if err := RebuildArchive(root, inv, out, RebuildOptions{StoreRules: []string{"*.bin"}}); err != nil {
		t.Fatalf("RebuildArchive failed: %v", err)
	}

	entries := readTestArchive(t, out)
	if _, ok := findTestEntry(entries, "classes.dex"); ok {
		t.Error("deleted file should not be in the archive")
	}

	bin, ok := findTestEntry(entries, "assets/new.bin")
	if !ok || !bin.Stored {
		t.Errorf("new.bin should be stored by rule: %+v", bin)
	}
	txt, ok := findTestEntry(entries, "assets/a-new.txt")
	if !ok || txt.Stored {
		t.Errorf("a-new.txt should be deflated: %+v", txt)
	}

	// Known entries first, then new files in lexical order
	n := len(entries)
	if entries[n-2].Name != "assets/a-new.txt" || entries[n-1].Name != "assets/new.bin" {
		t.Errorf("New entries out of order: %s, %s", entries[n-2].Name, entries[n-1].Name)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name, "/") {
			t.Errorf("Unexpected directory entry %s", e.Name)
		}
	}
}

func TestRebuildArchive_StoreRulesDoNotOverrideInventory(t *testing.T) {
	_, root, inv := extractSample(t)
	out := filepath.Join(t.TempDir(), "out.apk")

	if err := RebuildArchive(root, inv, out, RebuildOptions{StoreRules: []string{"*.so", "*.dex"}}); err != nil {
		t.Fatalf("RebuildArchive failed: %v", err)
	}
	lib, _ := findTestEntry(readTestArchive(t, out), "lib/arm64-v8a/libil2cpp.so")
	if lib.Stored {
		t.Error("inventory method should win over store rules")
	}
}

func TestRebuildArchive_FailureRemovesTempFile(t *testing.T) {
	_, root, inv := extractSample(t)

	outDir := t.TempDir()
	// A directory at the output path makes the final rename fail
	out := filepath.Join(outDir, "out.apk")
	if err := os.MkdirAll(filepath.Join(out, "blocker"), 0755); err != nil {
		t.Fatalf("Failed to create blocker: %v", err)
	}

	err := RebuildArchive(root, inv, out, RebuildOptions{})
	if !errors.Is(err, ErrArchiveIO) {
		t.Fatalf("Expected ErrArchiveIO, got %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("Failed to read output dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temp file %s left behind", e.Name())
		}
	}
}

func TestRebuildArchive_MissingOutputDir(t *testing.T) {
	_, root, inv := extractSample(t)
	out := filepath.Join(t.TempDir(), "missing", "out.apk")
	if err := RebuildArchive(root, inv, out, RebuildOptions{}); !errors.Is(err, ErrArchiveIO) {
		t.Errorf("Expected ErrArchiveIO, got %v", err)
	}
}

func TestExtractArchive_ZipSlip(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "evil.apk")
	writeTestArchive(t, apk, []testEntry{{Name: "../../escape.txt", Data: []byte("x")}})

	err := ExtractArchive(apk, filepath.Join(dir, "out"), nil)
	if !errors.Is(err, ErrArchiveIO) {
		t.Errorf("Expected ErrArchiveIO for path traversal, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); statErr == nil {
		t.Error("File escaped the extraction directory")
	}
}

func TestExtractArchive_Callback(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "app.apk")
	writeTestArchive(t, apk, sampleAPK())

	var seen []string
	if err := ExtractArchive(apk, filepath.Join(dir, "out"), func(name string) { seen = append(seen, name) }); err != nil {
		t.Fatalf("ExtractArchive failed: %v", err)
	}
	if len(seen) != len(sampleAPK()) {
		t.Errorf("callback called %d times, want %d", len(seen), len(sampleAPK()))
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "assets", "x.png"))
	if err != nil || !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("assets/x.png not extracted correctly: %v", err)
	}
}

func TestExtractArchive_ReadOnlyPayloadStaysWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	dir := t.TempDir()
	apk := filepath.Join(dir, "ro.apk")
	sig := []byte{0xAA, 0xBB, 0xCC}
	writeTestArchive(t, apk, []testEntry{
		{Name: "lib/arm64-v8a/libil2cpp.so", Data: testPayload(256, 100, sig), Mode: 0444},
	})

	root := filepath.Join(dir, "work")
	if err := ExtractArchive(apk, root, nil); err != nil {
		t.Fatalf("ExtractArchive failed: %v", err)
	}
	payload := filepath.Join(root, "lib", "arm64-v8a", "libil2cpp.so")
	info, err := os.Stat(payload)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644 (read bits kept, owner write added)", info.Mode().Perm())
	}

	set := NewDescriptorSet([]PatchDescriptor{mustDescriptor(t, "AA BB CC", "11 22 33", "ro")})
	report, err := PatchArchitectures(t.Context(), Discard(), root, set, WalkOptions{})
	if err != nil {
		t.Fatalf("PatchArchitectures failed: %v", err)
	}
	if report.Patched() != 1 {
		t.Errorf("Patched() = %d, want 1", report.Patched())
	}
}

func TestRebuildArchive_OutputMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	_, root, inv := extractSample(t)
	out := filepath.Join(t.TempDir(), "rebuilt.apk")

	if err := RebuildArchive(root, inv, out, RebuildOptions{}); err != nil {
		t.Fatalf("RebuildArchive failed: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("output mode = %v, want 0644", info.Mode().Perm())
	}
}
