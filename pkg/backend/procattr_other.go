//go:build !unix

package backend

import "os/exec"

// killProcessGroup keeps the default cancellation, which kills the program only
func killProcessGroup(cmd *exec.Cmd) {}
