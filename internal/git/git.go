package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Client defines the git operations yoke runs against project repos.
// All methods take a path parameter since yoke drives many projects.
type Client interface {
	IsRepo(path string) bool
	Head(path string) (string, error)
	CurrentBranch(path string) (string, error)
	LastCommitDate(path string) (time.Time, error)
	IsDirty(path string) (bool, error)
	CommitsBetween(path, from, to string) (int, error)
	ResetHard(path, rev string) error
	Clean(path string, exclude ...string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) IsRepo(path string) bool {
	out, err := gitCmd(path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Head returns the full hash of HEAD. A repo without commits is an error.
func (c *RealClient) Head(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) LastCommitDate(path string) (time.Time, error) {
	out, err := gitCmd(path, "log", "-1", "--format=%aI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitsBetween counts commits reachable from to but not from from.
func (c *RealClient) CommitsBetween(path, from, to string) (int, error) {
	out, err := gitCmd(path, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

func (c *RealClient) ResetHard(path, rev string) error {
	_, err := gitCmd(path, "reset", "--hard", rev)
	return err
}

// Clean removes untracked files and directories except ignored files and
// paths matching exclude.
func (c *RealClient) Clean(path string, exclude ...string) error {
	args := []string{"clean", "-fd"}
	for _, e := range exclude {
		args = append(args, "-e", e)
	}
	_, err := gitCmd(path, args...)
	return err
}

// ShortHash trims a full hash for display.
func ShortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
