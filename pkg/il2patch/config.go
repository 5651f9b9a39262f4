package il2patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/spf13/viper"
)

// DefaultConfigFile is the config file looked up in the working directory
const DefaultConfigFile = "il2patch.yaml"

// BuildTools locates the Android build tools used after the archive is rebuilt
type BuildTools struct {
	Version       string `mapstructure:"version"`
	ZipalignPath  string `mapstructure:"zipalign_path"`
	ApksignerPath string `mapstructure:"apksigner_path"`
	JavaPath      string `mapstructure:"java_path"`
	Align         bool   `mapstructure:"align"`
	Sign          bool   `mapstructure:"sign"`
	Debug         bool   `mapstructure:"debug"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("il2patch")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// defaults register every key so AutomaticEnv can override each of them
	v.SetDefault("version", "")
	v.SetDefault("zipalign_path", "")
	v.SetDefault("apksigner_path", "")
	v.SetDefault("java_path", "")
	v.SetDefault("align", true)
	v.SetDefault("sign", true)
	v.SetDefault("debug", false)
	return v
}

// LoadConfig reads build tool settings from a YAML file, with IL2PATCH_* env overrides.
// A missing file yields ErrConfigNotFound so callers can fall back to discovery.
func LoadConfig(path string) (*BuildTools, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	v := newConfigViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfiguration, path, err)
	}

	var tools BuildTools
	if err := v.Unmarshal(&tools); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrConfiguration, path, err)
	}
	return &tools, nil
}

// SaveConfig writes tools to path as YAML
func SaveConfig(path string, tools *BuildTools) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("version", tools.Version)
	v.Set("zipalign_path", tools.ZipalignPath)
	v.Set("apksigner_path", tools.ApksignerPath)
	v.Set("java_path", tools.JavaPath)
	v.Set("align", tools.Align)
	v.Set("sign", tools.Sign)
	v.Set("debug", tools.Debug)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks that every enabled step has its tool configured and present
func (t *BuildTools) Validate() error {
	if t.Align {
		if err := checkToolPath("zipalign", t.ZipalignPath); err != nil {
			return err
		}
	}
	if t.Sign {
		if err := checkToolPath("apksigner", t.ApksignerPath); err != nil {
			return err
		}
	}
	return nil
}

func checkToolPath(name, path string) error {
	if path == "" {
		return fmt.Errorf("%w: %s path not set", ErrConfiguration, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s not found at %s", ErrConfiguration, name, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s path %s is a directory", ErrConfiguration, name, path)
	}
	return nil
}

// SDKRoot returns the Android SDK location from the environment or the
// platform default install location
func SDKRoot() string {
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if dir := os.Getenv(env); dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Android", "sdk")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Android", "Sdk")
	default:
		return filepath.Join(home, "Android", "Sdk")
	}
}

// DiscoverBuildTools picks the newest build-tools version under sdkRoot that
// ships both zipalign and apksigner. An empty sdkRoot means SDKRoot().
func DiscoverBuildTools(sdkRoot string) (*BuildTools, error) {
	if sdkRoot == "" {
		sdkRoot = SDKRoot()
	}
	if sdkRoot == "" {
		return nil, fmt.Errorf("%w: Android SDK not found (set ANDROID_HOME)", ErrConfiguration)
	}

	btDir := filepath.Join(sdkRoot, "build-tools")
	entries, err := os.ReadDir(btDir)
	if err != nil {
		return nil, fmt.Errorf("%w: no build-tools in %s: %v", ErrConfiguration, sdkRoot, err)
	}

	var versions []*version.Version
	raw := make(map[*version.Version]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := version.NewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
		raw[v] = e.Name()
	}
	sort.Sort(sort.Reverse(version.Collection(versions)))

	for _, v := range versions {
		dir := filepath.Join(btDir, raw[v])
		zipalign := firstExisting(dir, "zipalign", "zipalign.exe")
		apksigner := firstExisting(dir, filepath.Join("lib", "apksigner.jar"), "apksigner", "apksigner.bat")
		if zipalign == "" || apksigner == "" {
			continue
		}
		return &BuildTools{
			Version:       raw[v],
			ZipalignPath:  zipalign,
			ApksignerPath: apksigner,
			Align:         true,
			Sign:          true,
		}, nil
	}
	return nil, fmt.Errorf("%w: no build-tools version in %s has zipalign and apksigner", ErrConfiguration, btDir)
}

func firstExisting(dir string, names ...string) string {
	for _, name := range names {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
