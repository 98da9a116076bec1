// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package deviceagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// SSH implements §4.6's "ssh(pod, args)": session-up(pod), launch the
// external ssh binary against the pod's tunnel address, then
// session-down(pod) on exit regardless of the ssh exit status.
func (a *Agent) SSH(ctx context.Context, podID, user string, args []string) error {
	rec, err := a.StartSessionDaemon(podID)
	if err != nil {
		return fmt.Errorf("session-up: %w", err)
	}

	target := rec.PodAddress
	if user != "" {
		target = user + "@" + target
	}

	cmdArgs := append([]string{target}, args...)
	cmd := exec.CommandContext(ctx, a.cfg.SSHBinary, cmdArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sshErr := cmd.Run()

	if err := a.SessionDown(podID); err != nil {
		if sshErr != nil {
			return fmt.Errorf("ssh: %w (session-down also failed: %v)", sshErr, err)
		}
		return fmt.Errorf("session-down: %w", err)
	}
	return sshErr
}
