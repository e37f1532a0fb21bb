//go:build !unix

package sandbox

import "os/exec"

func isolate(cmd *exec.Cmd) {}

func limitSignal(err *exec.ExitError) (string, bool) { return "", false }
