// Package gitutil wraps the git CLI for worker checkouts: clone, branch,
// patch application, commit, and lease-protected pushes.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	// Disable background auto-maintenance so worker checkouts stay
	// deterministic and never leave helper processes behind.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// Clone checks out a single branch of repoURL into dir.
func Clone(ctx context.Context, repoURL, branch, dir string) error {
	cmd := exec.CommandContext(ctx, "git",
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
		"clone", "--branch", branch, "--single-branch", repoURL, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{
			Args:   []string{"clone", "--branch", branch, repoURL},
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SwitchCreate creates and checks out a branch at the current HEAD,
// resetting it when it already exists.
func SwitchCreate(ctx context.Context, dir, branch string) error {
	_, _, err := runGit(ctx, dir, "switch", "-C", branch)
	return err
}

func StatusPorcelain(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := StatusPorcelain(ctx, dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ApplyIndex applies a unified diff to the worktree and the index in one
// step, so a successful apply leaves the changes staged.
func ApplyIndex(ctx context.Context, dir string, patch []byte) error {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
		"apply", "--index", "--whitespace=nowarn", "-",
	}
	cmd := exec.CommandContext(ctx, "git", base...)
	cmd.Stdin = bytes.NewReader(patch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{
			Args:   []string{"apply", "--index"},
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// StagedFiles lists paths with staged changes.
func StagedFiles(ctx context.Context, dir string) ([]string, error) {
	out, _, err := runGit(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// Commit commits staged changes and returns the new HEAD. When the
// environment has no git identity, a fixed fallback identity is used for
// this commit only.
func Commit(ctx context.Context, dir, message string) (string, error) {
	_, _, err := runGit(ctx, dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(ctx, dir,
				"-c", "user.name=attractor",
				"-c", "user.email=attractor@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(ctx, dir)
}

// PushWithLease pushes the branch, refusing to clobber remote commits the
// local checkout has not seen.
func PushWithLease(ctx context.Context, dir, remote, branch string) error {
	_, _, err := runGit(ctx, dir, "push", "--force-with-lease", remote, branch)
	return err
}

// LsFiles lists tracked paths in the checkout.
func LsFiles(ctx context.Context, dir string) ([]string, error) {
	out, _, err := runGit(ctx, dir, "ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error) {
	out, _, err := runGit(ctx, dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
