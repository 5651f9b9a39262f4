package il2patch

import (
	"archive/zip"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// testEntry is one entry of a fixture archive
type testEntry struct {
	Name   string
	Data   []byte
	Stored bool
	Mode   os.FileMode // zero leaves the writer's default
}

// writeTestArchive creates an archive at path with the given entries, in order
func writeTestArchive(t *testing.T, path string, entries []testEntry) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, e := range entries {
		method := zip.Deflate
		if e.Stored {
			method = zip.Store
		}
		hdr := &zip.FileHeader{Name: e.Name, Method: method}
		if e.Mode != 0 {
			hdr.SetMode(e.Mode)
		}
		writer, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("Failed to add %s: %v", e.Name, err)
		}
		if _, err := writer.Write(e.Data); err != nil {
			t.Fatalf("Failed to write %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}
}

// readTestArchive returns every file entry of an archive, in archive order
func readTestArchive(t *testing.T, path string) []testEntry {
	t.Helper()

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	defer r.Close()

	var entries []testEntry
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Failed to open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("Failed to read %s: %v", f.Name, err)
		}
		entries = append(entries, testEntry{Name: f.Name, Data: data, Stored: f.Method == zip.Store})
	}
	return entries
}

func findTestEntry(entries []testEntry, name string) (testEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return testEntry{}, false
}

// testPayload returns a deterministic payload of n bytes with sig written at off
func testPayload(n, off int, sig []byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 7)
	}
	copy(buf[off:], sig)
	return buf
}

// sampleAPK describes a small APK with a stored asset, a stored resource table
// and a deflated payload for arm64-v8a
func sampleAPK() []testEntry {
	return []testEntry{
		{Name: "AndroidManifest.xml", Data: []byte("<manifest/>")},
		{Name: "resources.arsc", Data: []byte("resource table"), Stored: true},
		{Name: "assets/x.png", Data: []byte("\x89PNG fake image data"), Stored: true},
		{Name: "lib/arm64-v8a/libil2cpp.so", Data: testPayload(256, 100, []byte{0xAA, 0xBB, 0xCC})},
		{Name: "classes.dex", Data: []byte("dex\n035\x00")},
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// writeScript writes an executable shell script; tests using it are skipped on Windows
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

// newTestCertificate creates a self-signed RSA certificate
func newTestCertificate(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(0x2a),
		Subject:      pkix.Name{CommonName: "il2patch test", Organization: []string{"Test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}
