package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
	"github.com/drand/ceremony/internal/upload"
)

// Placeholders substituted in the arguments of a CommandVerifier.
const (
	PrevPlaceholder    = "{prev}"
	NextPlaceholder    = "{next}"
	CircuitPlaceholder = "{circuit}"
)

// CommandVerifier downloads both artifacts and runs an external program, for
// instance `snarkjs zkey verify`. Exit status 0 means valid, any other status
// invalid with the program output as reason.
type CommandVerifier struct {
	Storage upload.ObjectStorage
	// Command is the program followed by its arguments.
	Command []string
	// WorkDir receives the downloaded artifacts, os.TempDir when empty.
	WorkDir string
	Log     log.Logger
}

func (c *CommandVerifier) download(ctx context.Context, dir string, loc ceremony.ArtifactLocation) (string, error) {
	rc, err := c.Storage.Open(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	path := filepath.Join(dir, filepath.Base(loc.Key))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}

func (c *CommandVerifier) Verify(ctx context.Context, prev, next ceremony.ArtifactLocation, circuit *ceremony.Circuit) (Result, error) {
	if len(c.Command) == 0 {
		return Result{}, errors.New("no verification command configured")
	}
	dir, err := os.MkdirTemp(c.WorkDir, "verify-"+circuit.Prefix+"-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(dir)

	prevPath, err := c.download(ctx, dir, prev)
	if err != nil {
		return Result{}, fmt.Errorf("downloading predecessor: %w", err)
	}
	nextPath, err := c.download(ctx, dir, next)
	if err != nil {
		return Result{}, fmt.Errorf("downloading artifact: %w", err)
	}

	r := strings.NewReplacer(PrevPlaceholder, prevPath, NextPlaceholder, nextPath, CircuitPlaceholder, circuit.Prefix)
	args := make([]string, len(c.Command))
	for i, a := range c.Command {
		args[i] = r.Replace(a)
	}

	//nolint:gosec // the command comes from the operator configuration
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Verification: ceremony.Valid}, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		reason := strings.TrimSpace(out.String())
		if len(reason) > 512 {
			reason = reason[len(reason)-512:]
		}
		if c.Log != nil {
			c.Log.Infow("verification command refused contribution", "circuit", circuit.ID, "code", exitErr.ExitCode())
		}
		return Result{Verification: ceremony.Invalid, Reason: reason}, nil
	default:
		return Result{}, fmt.Errorf("running %s: %w", args[0], err)
	}
}
