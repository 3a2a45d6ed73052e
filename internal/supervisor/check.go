package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
)

// CheckTimeout bounds a script check.
const CheckTimeout = 10 * time.Second

// Check runs the script with "--mode check" and fails unless it exits zero
// within CheckTimeout. Workers use the check mode to verify the script loads
// without starting the request loop.
func (s *Supervisor) Check(ctx context.Context, fp Fingerprint) error {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	args := append([]string{}, s.opts.InterpreterArgs...)
	args = append(args, fp.Script, "--mode", "check")

	cmd := exec.CommandContext(ctx, fp.Interpreter, args...)
	cmd.Dir = s.opts.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(fp.Script)
	}
	cmd.Env = buildEnv(os.Environ(), s.opts)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	s.logger.Debug("checking worker script", "script", fp.Script)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("script check for %s timed out after %s: %w", fp.Script, CheckTimeout, bridgeerr.ErrWorkerUnavailable)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("script check interrupted: %v: %w", ctx.Err(), bridgeerr.ErrInterrupted)
	}
	return fmt.Errorf("script check for %s failed: %v: %s: %w", fp.Script, err, truncate(out.String(), 2048), bridgeerr.ErrWorkerUnavailable)
}
