package il2patch

import (
	"archive/zip"
	"crypto/x509"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
)

// SignerInfo describes the certificate behind an archive's JAR signature
type SignerInfo struct {
	Subject  string
	Issuer   string
	Serial   string
	NotAfter time.Time
	SHA256   string
	// File is the signature block entry the signer came from
	File string
}

// IsExpired checks if the signing certificate has expired
func (s *SignerInfo) IsExpired() bool {
	return time.Now().After(s.NotAfter)
}

// ReadV1Signature verifies the JAR (v1) signature block of an archive against
// its .SF file and returns the signer. Archives signed with v2+ only return
// ErrNoV1Signature.
func ReadV1Signature(apkPath string) (*SignerInfo, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrArchiveIO, apkPath, err)
	}
	defer r.Close()

	files := make(map[string]*zip.File)
	var sigFiles []string
	for _, f := range r.File {
		name := normalizeEntryName(f.Name)
		if path.Dir(name) != "META-INF" {
			continue
		}
		files[strings.ToUpper(name)] = f
		if strings.EqualFold(path.Ext(name), ".SF") {
			sigFiles = append(sigFiles, name)
		}
	}

	for _, sfName := range sigFiles {
		base := strings.ToUpper(strings.TrimSuffix(sfName, path.Ext(sfName)))
		for _, ext := range []string{".RSA", ".EC", ".DSA"} {
			block, ok := files[base+ext]
			if !ok {
				continue
			}
			sf, err := readZipEntry(files[strings.ToUpper(sfName)])
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", sfName, err)
			}
			blockData, err := readZipEntry(block)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", block.Name, err)
			}
			info, err := verifyV1Block(sf, blockData)
			if err != nil {
				return nil, fmt.Errorf("failed to verify %s: %w", block.Name, err)
			}
			info.File = block.Name
			return info, nil
		}
	}
	return nil, ErrNoV1Signature
}

func verifyV1Block(sf, block []byte) (*SignerInfo, error) {
	p7, err := pkcs7.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 block: %w", err)
	}
	// The block is detached; the signed content is the .SF file
	p7.Content = sf
	if err := p7.Verify(); err != nil {
		return nil, err
	}

	cert := p7.GetOnlySigner()
	if cert == nil {
		if len(p7.Certificates) == 0 {
			return nil, fmt.Errorf("signature block carries no certificate")
		}
		cert = p7.Certificates[0]
	}
	return signerFromCert(cert), nil
}

func signerFromCert(cert *x509.Certificate) *SignerInfo {
	return &SignerInfo{
		Subject:  cert.Subject.String(),
		Issuer:   cert.Issuer.String(),
		Serial:   cert.SerialNumber.Text(16),
		NotAfter: cert.NotAfter,
		SHA256:   certFingerprint(cert),
	}
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
