package il2patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// toolWaitDelay bounds how long output is drained after a killed tool exits
const toolWaitDelay = 2 * time.Second

// RunTool runs an external program to completion and captures its combined output.
// Output is fully drained before the exit status is inspected. With debug
// logging enabled the output is also written to the session log directory.
func RunTool(ctx context.Context, sess *Session, name, path string, args ...string) ([]byte, error) {
	logger := sess.logger()
	logger.WithField("tool", name).Debugf("%s %s", path, strings.Join(args, " "))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = toolWaitDelay

	runErr := cmd.Run()
	sess.writeToolLog(name, out.Bytes())

	if runErr == nil {
		return out.Bytes(), nil
	}

	toolErr := &ExternalToolError{
		Tool:     name,
		ExitCode: -1,
		Output:   out.String(),
		Err:      runErr,
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		toolErr.TimedOut = true
		toolErr.Err = ctxErr
	} else {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		}
	}
	return out.Bytes(), toolErr
}

// Zipalign aligns stored entries of in on 4-byte boundaries and writes out
func Zipalign(ctx context.Context, sess *Session, tools *BuildTools, in, out string) error {
	if tools.ZipalignPath == "" {
		return fmt.Errorf("%w: zipalign path not set", ErrConfiguration)
	}
	sess.logger().Infof("Aligning %s", filepath.Base(in))
	_, err := RunTool(ctx, sess, "zipalign", tools.ZipalignPath, "-f", "-v", "4", in, out)
	return err
}

// Apksigner signs in with the keystore and writes out
func Apksigner(ctx context.Context, sess *Session, tools *BuildTools, ks *Keystore, in, out string) error {
	if tools.ApksignerPath == "" {
		return fmt.Errorf("%w: apksigner path not set", ErrConfiguration)
	}
	if ks == nil || ks.Path == "" || ks.PassFile == "" {
		return fmt.Errorf("%w: keystore and password file are required for signing", ErrConfiguration)
	}

	args := []string{
		"sign",
		"--ks", ks.Path,
		"--ks-key-alias", ks.alias(),
		"--ks-pass", "file:" + ks.PassFile,
		"--out", out,
		in,
	}

	path := tools.ApksignerPath
	if strings.EqualFold(filepath.Ext(path), ".jar") {
		java := tools.JavaPath
		if java == "" {
			java = "java"
		}
		args = append([]string{"-jar", path}, args...)
		path = java
	}

	sess.logger().Infof("Signing %s", filepath.Base(in))
	_, err := RunTool(ctx, sess, "apksigner", path, args...)
	return err
}
