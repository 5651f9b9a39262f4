package il2patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLibDir is the archive directory holding one subdirectory per architecture
	DefaultLibDir = "lib"
	// DefaultPayloadName is the library patched in each architecture directory
	DefaultPayloadName = "libil2cpp.so"

	dumpContext = 8
)

// ArchStatus is the outcome of one architecture
type ArchStatus int

const (
	// StatusPatched means at least one descriptor was applied
	StatusPatched ArchStatus = iota
	// StatusUnmatched means descriptors were attempted but none applied
	StatusUnmatched
	// StatusNoPatches means the descriptor set has nothing for this architecture
	StatusNoPatches
	// StatusPayloadMissing means the architecture directory has no payload file
	StatusPayloadMissing
)

func (s ArchStatus) String() string {
	switch s {
	case StatusPatched:
		return "patched"
	case StatusUnmatched:
		return "no matches"
	case StatusNoPatches:
		return "no patches"
	case StatusPayloadMissing:
		return "payload missing"
	}
	return fmt.Sprintf("ArchStatus(%d)", int(s))
}

// WalkOptions configures PatchArchitectures
type WalkOptions struct {
	LibDir      string
	PayloadName string
	// Jobs > 1 patches architectures concurrently
	Jobs int
}

func (o *WalkOptions) setDefaults() {
	if o.LibDir == "" {
		o.LibDir = DefaultLibDir
	}
	if o.PayloadName == "" {
		o.PayloadName = DefaultPayloadName
	}
	if o.Jobs < 1 {
		o.Jobs = 1
	}
}

// ArchReport is the per-architecture summary
type ArchReport struct {
	Arch    string
	Path    string
	Size    int64
	Status  ArchStatus
	Results []PatchResult
}

// Applied returns the number of descriptors applied
func (r ArchReport) Applied() int { return CountApplied(r.Results) }

// Failed returns results that hit a bounds or length error
func (r ArchReport) Failed() []PatchResult {
	var failed []PatchResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// WalkReport holds one ArchReport per architecture directory, in directory order
type WalkReport struct {
	Archs []ArchReport
}

// Usable returns the number of architectures with a payload present
func (w *WalkReport) Usable() int {
	n := 0
	for _, a := range w.Archs {
		if a.Status != StatusPayloadMissing {
			n++
		}
	}
	return n
}

// Patched returns the number of architectures with at least one applied patch
func (w *WalkReport) Patched() int {
	n := 0
	for _, a := range w.Archs {
		if a.Status == StatusPatched {
			n++
		}
	}
	return n
}

// PatchArchitectures patches the payload of every architecture under root/LibDir.
// A missing payload or an architecture without descriptors is reported, not fatal.
// ErrNoArchitectures is returned (with the report) when no architecture has a payload.
func PatchArchitectures(ctx context.Context, sess *Session, root string, set *DescriptorSet, opts WalkOptions) (*WalkReport, error) {
	opts.setDefaults()
	logger := sess.logger()

	libRoot := filepath.Join(root, filepath.FromSlash(opts.LibDir))
	dirEntries, err := os.ReadDir(libRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no %s directory in archive", ErrInputNotFound, opts.LibDir)
		}
		return nil, fmt.Errorf("failed to list architectures: %w", err)
	}

	var archs []string
	for _, e := range dirEntries {
		if e.IsDir() {
			archs = append(archs, e.Name())
		}
	}
	logger.WithField("count", len(archs)).Infof("Detected architectures: %v", archs)

	report := &WalkReport{Archs: make([]ArchReport, len(archs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for i, arch := range archs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := patchArch(logger, filepath.Join(libRoot, arch, opts.PayloadName), arch, set.ForArch(arch))
			if err != nil {
				return err
			}
			report.Archs[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if report.Usable() == 0 {
		return report, fmt.Errorf("%w: no %s found under %s", ErrNoArchitectures, opts.PayloadName, opts.LibDir)
	}
	return report, nil
}

func patchArch(logger log.Interface, payloadPath, arch string, descs []PatchDescriptor) (ArchReport, error) {
	r := ArchReport{Arch: arch, Path: payloadPath}
	entry := logger.WithField("arch", arch)

	info, err := os.Stat(payloadPath)
	if err != nil || !info.Mode().IsRegular() {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return r, fmt.Errorf("failed to stat %s: %w", payloadPath, err)
		}
		entry.Warnf("%s not found, skipping", filepath.Base(payloadPath))
		r.Status = StatusPayloadMissing
		return r, nil
	}
	r.Size = info.Size()

	if len(descs) == 0 {
		entry.Warn("no patches for architecture")
		r.Status = StatusNoPatches
		return r, nil
	}

	buf, err := os.ReadFile(payloadPath)
	if err != nil {
		return r, fmt.Errorf("failed to read %s: %w", payloadPath, err)
	}

	r.Results = ApplyPatches(buf, descs)
	for _, res := range r.Results {
		fields := log.Fields{"patch": res.Descriptor.Label}
		switch {
		case res.Applied:
			entry.WithFields(fields).Infof("applied at offset 0x%X", res.Offset)
			entry.Debugf("patched bytes:\n%s", HexDump(buf, res.Offset, len(res.Descriptor.Replace), dumpContext))
		case res.Err != nil:
			entry.WithFields(fields).WithError(res.Err).Error("patch rejected")
		default:
			entry.WithFields(fields).Warn("signature not found, skipping patch")
		}
	}

	if err := os.WriteFile(payloadPath, buf, info.Mode().Perm()); err != nil {
		return r, fmt.Errorf("failed to write %s: %w", payloadPath, err)
	}

	if r.Applied() > 0 {
		r.Status = StatusPatched
	} else {
		r.Status = StatusUnmatched
	}
	return r, nil
}
