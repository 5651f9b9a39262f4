package il2patch

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// DefaultKeyAlias is the key alias used when none is given
const DefaultKeyAlias = "android"

var jksMagic = []byte{0xFE, 0xED, 0xFE, 0xED}

// Keystore holds the signing inputs handed to apksigner
type Keystore struct {
	Path     string
	PassFile string
	Alias    string
	// Certificate is nil when the keystore format could not be decoded locally (JKS)
	Certificate *x509.Certificate
}

func (k *Keystore) alias() string {
	if k.Alias == "" {
		return DefaultKeyAlias
	}
	return k.Alias
}

// Fingerprint returns the SHA-256 of the signing certificate, or "" when unknown
func (k *Keystore) Fingerprint() string {
	if k == nil || k.Certificate == nil {
		return ""
	}
	return certFingerprint(k.Certificate)
}

// LoadKeystore checks the keystore and its password file before signing.
// PKCS#12 keystores are decoded to catch a wrong password up front; JKS
// keystores are accepted as-is and left for apksigner to open.
func LoadKeystore(path, passFile, alias string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read keystore: %v", ErrConfiguration, err)
	}
	password, err := readPassword(passFile)
	if err != nil {
		return nil, err
	}

	ks := &Keystore{Path: path, PassFile: passFile, Alias: alias}
	if bytes.HasPrefix(data, jksMagic) {
		return ks, nil
	}

	_, cert, _, err := gop12.DecodeChain(data, password)
	switch {
	case err == nil:
		ks.Certificate = cert
	case errors.Is(err, gop12.ErrIncorrectPassword):
		return nil, fmt.Errorf("%w: incorrect keystore password in %s", ErrConfiguration, passFile)
	}
	return ks, nil
}

// readPassword returns the first line of the password file, the way apksigner reads file: passwords
func readPassword(passFile string) (string, error) {
	data, err := os.ReadFile(passFile)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read password file: %v", ErrConfiguration, err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimRight(line, "\r"), nil
}

// FindKeystore returns the first keystore and the first .txt password file in dir
func FindKeystore(dir string) (keystore, passFile string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to read keystore directory: %v", ErrConfiguration, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".keystore", ".jks", ".p12", ".pfx":
			if keystore == "" {
				keystore = filepath.Join(dir, e.Name())
			}
		case ".txt":
			if passFile == "" {
				passFile = filepath.Join(dir, e.Name())
			}
		}
	}
	if keystore == "" {
		return "", "", fmt.Errorf("%w: no keystore file in %s", ErrConfiguration, dir)
	}
	if passFile == "" {
		return "", "", fmt.Errorf("%w: no password file in %s", ErrConfiguration, dir)
	}
	return keystore, passFile, nil
}

func certFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
