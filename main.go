package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/aluedeke/go-il2patch/pkg/il2patch"
	"github.com/docopt/docopt-go"
)

const version = "1.0.0"

const usage = `il2patch - APK Native Library Patcher

A command-line tool for applying byte-pattern patches to the native libraries of an APK,
then rebuilding, aligning and signing it.

Usage:
  il2patch patch [--apk=<path>] [--patches=<path>] [--output=<dir>] [--config=<path>] [--keystore=<path>] [--pass-file=<path>] [--alias=<name>] [--store=<pattern>]... [--lib=<dir>] [--payload=<name>] [--jobs=<n>] [--timeout=<dur>] [--work=<dir>] [--no-align] [--no-sign] [--keep] [--debug] [--progress]
  il2patch info --apk=<path> [--lib=<dir>] [--payload=<name>]
  il2patch info --patches=<path>
  il2patch diff --apk1=<path> --apk2=<path>
  il2patch setup [--sdk=<path>] [--config=<path>]
  il2patch -h | --help
  il2patch --version

Commands:
  patch     Patch an APK and write patched.apk, aligned.apk and signed.apk
  info      Display information about an APK or a patch file
  diff      Compare the entries of two APKs
  setup     Locate the Android build tools and write the config file

Options:
  --apk=<path>          Input APK (or IL2PATCH_APK env var, defaults to the first .apk in the current directory)
  --patches=<path>      Patch file in XML, YAML or plist (or IL2PATCH_PATCHES env var, defaults to patches.* in the current directory)
  --output=<dir>        Output directory (defaults to the APK's directory)
  --config=<path>       Build tools config file (or IL2PATCH_CONFIG env var) [default: il2patch.yaml]
  --keystore=<path>     Keystore for signing (or IL2PATCH_KEYSTORE env var, defaults to keystore/*.keystore)
  --pass-file=<path>    File holding the keystore password (or IL2PATCH_PASS_FILE env var, defaults to keystore/*.txt)
  --alias=<name>        Key alias in the keystore [default: android]
  --store=<pattern>     Store new entries matching this pattern uncompressed (repeatable)
  --lib=<dir>           Archive directory holding one folder per architecture [default: lib]
  --payload=<name>      Library to patch in each architecture folder [default: libil2cpp.so]
  --jobs=<n>            Architectures patched in parallel [default: 1]
  --timeout=<dur>       Limit for each zipalign/apksigner run, e.g. 2m (0 disables) [default: 5m]
  --work=<dir>          Extract into this directory instead of a temp directory (must be empty)
  --no-align            Skip zipalign
  --no-sign             Skip apksigner
  --keep                Keep the work directory and intermediate APKs
  --debug               Write debug logs and tool output to ./logs
  --progress            Show progress bars
  --apk1=<path>         First APK for comparison (diff command)
  --apk2=<path>         Second APK for comparison (diff command)
  --sdk=<path>          Android SDK root (defaults to ANDROID_HOME or ANDROID_SDK_ROOT)
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  IL2PATCH_APK              Input APK (overridden by --apk)
  IL2PATCH_PATCHES          Patch file (overridden by --patches)
  IL2PATCH_CONFIG           Config file (overridden by --config)
  IL2PATCH_KEYSTORE         Keystore (overridden by --keystore)
  IL2PATCH_PASS_FILE        Keystore password file (overridden by --pass-file)
  IL2PATCH_ZIPALIGN_PATH    zipalign location (overrides the config file)
  IL2PATCH_APKSIGNER_PATH   apksigner location (overrides the config file)

Examples:
  # Locate build tools once
  il2patch setup

  # Patch the APK in the current directory with patches.xml and keystore/
  il2patch patch

  # Patch without aligning or signing
  il2patch patch --apk=game.apk --patches=patches.yaml --no-align --no-sign

  # Keep the extracted tree for inspection
  il2patch patch --apk=game.apk --work=./extracted --keep --debug

  # Check what the rebuild changed
  il2patch diff --apk1=game.apk --apk2=patched.apk
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	var run func(docopt.Opts) error
	if patch, _ := opts.Bool("patch"); patch {
		run = runPatch
	} else if info, _ := opts.Bool("info"); info {
		run = runInfo
	} else if diff, _ := opts.Bool("diff"); diff {
		run = runDiff
	} else if setup, _ := opts.Bool("setup"); setup {
		run = runSetup
	}
	if run == nil {
		return
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stringOpt returns the flag value, falling back to the environment variable
func stringOpt(opts docopt.Opts, flag, env string) string {
	v, _ := opts.String(flag)
	if v == "" && env != "" {
		v = os.Getenv(env)
	}
	return v
}

func runPatch(opts docopt.Opts) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	apkPath := stringOpt(opts, "--apk", "IL2PATCH_APK")
	if apkPath == "" {
		if apkPath, err = il2patch.FindAPK(cwd); err != nil {
			return err
		}
	}
	patchPath := stringOpt(opts, "--patches", "IL2PATCH_PATCHES")
	if patchPath == "" {
		if patchPath, err = il2patch.FindPatchFile(cwd); err != nil {
			return err
		}
	}

	noAlign, _ := opts.Bool("--no-align")
	noSign, _ := opts.Bool("--no-sign")
	tools, err := loadBuildTools(opts, !noAlign || !noSign)
	if err != nil {
		return err
	}
	if tools != nil {
		tools.Align = tools.Align && !noAlign
		tools.Sign = tools.Sign && !noSign
	}

	debug, _ := opts.Bool("--debug")
	if tools != nil && tools.Debug {
		debug = true
	}
	cfg := il2patch.SessionConfig{Debug: debug}
	if showProgress, _ := opts.Bool("--progress"); showProgress {
		cfg.Progress = os.Stderr
	}
	sess, err := il2patch.NewSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	var ks *il2patch.Keystore
	if tools != nil && tools.Sign {
		if ks, err = loadKeystore(opts); err != nil {
			return err
		}
	}

	jobs, err := opts.Int("--jobs")
	if err != nil {
		return fmt.Errorf("invalid --jobs: %w", err)
	}
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return fmt.Errorf("invalid --timeout: %w", err)
	}
	keep, _ := opts.Bool("--keep")
	libDir, _ := opts.String("--lib")
	payload, _ := opts.String("--payload")
	outputDir, _ := opts.String("--output")
	workDir, _ := opts.String("--work")
	storeRules, _ := opts["--store"].([]string)

	fmt.Printf("Patching APK: %s\n", apkPath)
	fmt.Printf("Using patches: %s\n", patchPath)
	if ks != nil {
		fmt.Printf("Using keystore: %s\n", ks.Path)
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := il2patch.Run(ctx, sess, il2patch.Options{
		Input:       apkPath,
		PatchFile:   patchPath,
		OutputDir:   outputDir,
		WorkDir:     workDir,
		Tools:       tools,
		Keystore:    ks,
		ToolTimeout: timeout,
		Walk: il2patch.WalkOptions{
			LibDir:      libDir,
			PayloadName: payload,
			Jobs:        jobs,
		},
		StoreRules:       storeRules,
		KeepWork:         keep,
		KeepIntermediate: keep,
	})
	if res != nil && res.Walk != nil {
		il2patch.PrintWalkReport(res.Walk, os.Stdout)
	}
	if err != nil {
		return err
	}

	fmt.Printf("\nSuccessfully patched APK: %s\n", res.Output)
	return nil
}

// loadBuildTools reads the config file, discovering and saving build tools on first use.
// When neither alignment nor signing is wanted a missing config is not an error.
func loadBuildTools(opts docopt.Opts, needed bool) (*il2patch.BuildTools, error) {
	configPath := stringOpt(opts, "--config", "")
	if env := os.Getenv("IL2PATCH_CONFIG"); env != "" && configPath == il2patch.DefaultConfigFile {
		configPath = env
	}

	tools, err := il2patch.LoadConfig(configPath)
	if err == nil {
		return tools, nil
	}
	if !errors.Is(err, il2patch.ErrConfigNotFound) {
		return nil, err
	}
	if !needed {
		return nil, nil
	}

	tools, err = il2patch.DiscoverBuildTools("")
	if err != nil {
		return nil, fmt.Errorf("%w (run 'il2patch setup --sdk=<path>' or pass --no-align --no-sign)", err)
	}
	if err := il2patch.SaveConfig(configPath, tools); err != nil {
		return nil, err
	}
	fmt.Printf("Found build-tools %s, saved to %s\n", tools.Version, configPath)
	return tools, nil
}

func loadKeystore(opts docopt.Opts) (*il2patch.Keystore, error) {
	ksPath := stringOpt(opts, "--keystore", "IL2PATCH_KEYSTORE")
	passFile := stringOpt(opts, "--pass-file", "IL2PATCH_PASS_FILE")
	alias, _ := opts.String("--alias")

	if ksPath == "" || passFile == "" {
		foundKs, foundPass, err := il2patch.FindKeystore("keystore")
		if err != nil {
			return nil, fmt.Errorf("%w (pass --keystore and --pass-file, or --no-sign)", err)
		}
		if ksPath == "" {
			ksPath = foundKs
		}
		if passFile == "" {
			passFile = foundPass
		}
	}
	return il2patch.LoadKeystore(ksPath, passFile, alias)
}

func runInfo(opts docopt.Opts) error {
	apkPath, _ := opts.String("--apk")
	patchPath, _ := opts.String("--patches")

	if apkPath != "" {
		libDir, _ := opts.String("--lib")
		payload, _ := opts.String("--payload")
		info, err := il2patch.InspectArchive(apkPath, libDir, payload)
		if err != nil {
			return err
		}
		il2patch.PrintArchiveInfo(info, os.Stdout)
		return nil
	} else if patchPath != "" {
		set, err := il2patch.LoadDescriptors(patchPath)
		if err != nil {
			return err
		}
		il2patch.PrintDescriptorSet(set, os.Stdout)
		return nil
	}

	return fmt.Errorf("either --apk or --patches is required")
}

func runDiff(opts docopt.Opts) error {
	apk1, _ := opts.String("--apk1")
	apk2, _ := opts.String("--apk2")

	if apk1 == "" || apk2 == "" {
		return fmt.Errorf("both --apk1 and --apk2 are required")
	}

	diff, err := il2patch.CompareArchives(apk1, apk2)
	if err != nil {
		return err
	}

	il2patch.PrintArchiveDiff(diff, os.Stdout)
	return nil
}

func runSetup(opts docopt.Opts) error {
	sdk, _ := opts.String("--sdk")
	configPath := stringOpt(opts, "--config", "")
	if env := os.Getenv("IL2PATCH_CONFIG"); env != "" && configPath == il2patch.DefaultConfigFile {
		configPath = env
	}

	tools, err := il2patch.DiscoverBuildTools(sdk)
	if err != nil {
		return err
	}
	if err := il2patch.SaveConfig(configPath, tools); err != nil {
		return err
	}

	fmt.Printf("Build tools:  %s\n", tools.Version)
	fmt.Printf("zipalign:     %s\n", tools.ZipalignPath)
	fmt.Printf("apksigner:    %s\n", tools.ApksignerPath)
	fmt.Printf("Saved config: %s\n", configPath)
	return nil
}
