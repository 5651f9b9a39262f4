package il2patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Output file names, written to the output directory
const (
	PatchedName = "patched.apk"
	AlignedName = "aligned.apk"
	SignedName  = "signed.apk"
)

// Options contains all options for one patch run
type Options struct {
	Input     string // source archive
	PatchFile string // descriptor source (XML, YAML or plist)
	OutputDir string // defaults to the input's directory
	// WorkDir is the extraction directory; it must be empty or absent.
	// A temporary directory is used when empty.
	WorkDir string

	// Tools enables alignment and signing; nil stops after the rebuild
	Tools    *BuildTools
	Keystore *Keystore
	// ToolTimeout bounds each zipalign/apksigner run; zero means no limit
	ToolTimeout time.Duration

	Walk       WalkOptions
	StoreRules []string

	KeepWork         bool // keep the extraction directory
	KeepIntermediate bool // keep patched.apk/aligned.apk after a successful sign
}

// Result summarises a patch run
type Result struct {
	Descriptors *DescriptorSet
	Walk        *WalkReport
	// Output is the final archive: signed, aligned or patched depending on the steps run
	Output string
	Signer *SignerInfo
}

// Run patches the input archive end to end: inventory, extraction, patching,
// rebuild, then alignment and signing when enabled. External tool failures
// leave the partial outputs in place.
func Run(ctx context.Context, sess *Session, opts Options) (res *Result, err error) {
	logger := sess.logger()

	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	inv, err := CaptureInventory(opts.Input)
	if err != nil {
		return nil, err
	}
	logger.WithField("entries", inv.Len()).Infof("Reading %s", filepath.Base(opts.Input))

	workDir, cleanup, err := prepareWorkDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if opts.KeepWork {
			logger.Infof("Work directory kept at %s", workDir)
			return
		}
		cleanup()
	}()

	progress := newStageProgress(sess.Progress)
	defer progress.wait()

	tick, done := progress.stage("extract", inv.Len())
	err = ExtractArchive(opts.Input, workDir, tick)
	done(err == nil)
	if err != nil {
		return nil, err
	}

	set, err := LoadDescriptors(opts.PatchFile)
	if err != nil {
		return nil, err
	}
	for _, skipped := range set.Skipped {
		logger.WithError(skipped).Warn("skipping patch")
	}
	logger.WithField("patches", set.Len()).Infof("Loaded %s", filepath.Base(opts.PatchFile))

	res = &Result{Descriptors: set}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Walk, err = PatchArchitectures(ctx, sess, workDir, set, opts.Walk)
	if err != nil {
		return res, err
	}

	patched := filepath.Join(opts.OutputDir, PatchedName)
	tick, done = progress.stage("rebuild", inv.Len())
	err = RebuildArchive(workDir, inv, patched, RebuildOptions{StoreRules: opts.StoreRules, OnEntry: tick})
	done(err == nil)
	if err != nil {
		return res, err
	}
	logger.Infof("Rebuilt %s", patched)
	res.Output = patched

	var intermediates []string
	if opts.Tools != nil && opts.Tools.Align {
		aligned := filepath.Join(opts.OutputDir, AlignedName)
		if err := withToolTimeout(ctx, opts.ToolTimeout, func(ctx context.Context) error {
			return Zipalign(ctx, sess, opts.Tools, res.Output, aligned)
		}); err != nil {
			return res, err
		}
		intermediates = append(intermediates, res.Output)
		res.Output = aligned
	}
	if opts.Tools != nil && opts.Tools.Sign {
		signed := filepath.Join(opts.OutputDir, SignedName)
		if err := withToolTimeout(ctx, opts.ToolTimeout, func(ctx context.Context) error {
			return Apksigner(ctx, sess, opts.Tools, opts.Keystore, res.Output, signed)
		}); err != nil {
			return res, err
		}
		intermediates = append(intermediates, res.Output)
		res.Output = signed
		res.Signer = verifySigner(sess, signed, opts.Keystore)
	}

	if !opts.KeepIntermediate {
		for _, p := range intermediates {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.WithError(err).Warnf("failed to remove %s", filepath.Base(p))
			}
		}
	}

	logger.Infof("Output: %s", res.Output)
	return res, nil
}

func withToolTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func validateOptions(opts *Options) error {
	if _, err := os.Stat(opts.Input); err != nil {
		return fmt.Errorf("%w: %s", ErrInputNotFound, opts.Input)
	}
	if _, err := os.Stat(opts.PatchFile); err != nil {
		return fmt.Errorf("%w: %s", ErrInputNotFound, opts.PatchFile)
	}
	if opts.ToolTimeout < 0 {
		return fmt.Errorf("%w: negative tool timeout %s", ErrConfiguration, opts.ToolTimeout)
	}
	if opts.Tools != nil {
		if err := opts.Tools.Validate(); err != nil {
			return err
		}
		if opts.Tools.Sign && opts.Keystore == nil {
			return fmt.Errorf("%w: signing is enabled but no keystore was given", ErrConfiguration)
		}
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Dir(opts.Input)
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func prepareWorkDir(dir string) (string, func(), error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "il2patch-*")
		if err != nil {
			return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
		return tmp, func() { os.RemoveAll(tmp) }, nil
	}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return "", nil, fmt.Errorf("failed to read work directory: %w", err)
	case len(entries) > 0:
		return "", nil, fmt.Errorf("%w: work directory %s is not empty", ErrConfiguration, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// verifySigner reads back the v1 signature and compares it with the keystore certificate
func verifySigner(sess *Session, signed string, ks *Keystore) *SignerInfo {
	logger := sess.logger()
	signer, err := ReadV1Signature(signed)
	switch {
	case errors.Is(err, ErrNoV1Signature):
		logger.Debug("no v1 signature in output (v2+ only)")
		return nil
	case err != nil:
		logger.WithError(err).Warn("failed to verify v1 signature")
		return nil
	}

	logger.WithField("subject", signer.Subject).Info("Signed")
	if want := ks.Fingerprint(); want != "" && want != signer.SHA256 {
		logger.WithFields(log.Fields{
			"keystore": want,
			"signer":   signer.SHA256,
		}).Warn("signer certificate does not match keystore")
	}
	return signer
}

// stageProgress draws one bar per pipeline stage when an output is configured
type stageProgress struct {
	p *mpb.Progress
}

func newStageProgress(w io.Writer) *stageProgress {
	if w == nil {
		return &stageProgress{}
	}
	return &stageProgress{p: mpb.New(mpb.WithOutput(w), mpb.WithWidth(60), mpb.WithAutoRefresh())}
}

// stage adds a bar; tick advances it and done completes or aborts it
func (s *stageProgress) stage(name string, total int) (tick func(string), done func(ok bool)) {
	if s.p == nil {
		return nil, func(bool) {}
	}
	bar := s.p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name+" "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(), "done"),
		),
	)
	tick = func(string) { bar.Increment() }
	done = func(ok bool) {
		if ok {
			bar.SetTotal(-1, true)
		} else {
			bar.Abort(false)
		}
	}
	return tick, done
}

func (s *stageProgress) wait() {
	if s.p != nil {
		s.p.Wait()
	}
}
