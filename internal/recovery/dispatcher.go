package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/yoke/internal/models"
)

// DefaultActionTimeout bounds every recovery command.
const DefaultActionTimeout = 30 * time.Second

// DefaultPort is assumed when a port conflict does not name its port.
const DefaultPort = 3001

// CommandRunner executes an external command in dir and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner is the CommandRunner backed by os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// ProjectContext is what a recovery action may know about the project.
type ProjectContext struct {
	ProjectID string
	Path      string
}

// Result is the outcome of one recovery attempt.
type Result struct {
	Success bool
	Message string
}

// Dispatcher maps blocker classes to recovery actions.
type Dispatcher struct {
	runner  CommandRunner
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil runner uses ExecRunner and a
// non-positive timeout uses DefaultActionTimeout.
func NewDispatcher(runner CommandRunner, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{runner: runner, timeout: timeout, logger: logger}
}

// Recoverable reports whether class has a built-in recovery action.
func Recoverable(class models.BlockerClass) bool {
	switch class {
	case models.BlockerPortConflict, models.BlockerRedisNotRunning,
		models.BlockerDatabaseConnection, models.BlockerModuleNotFound:
		return true
	}
	return false
}

// Attempt runs the recovery action for b. It never returns an error; an
// unhandled class is a normal unsuccessful result.
func (d *Dispatcher) Attempt(ctx context.Context, pc ProjectContext, b models.Blocker) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var res Result
	switch b.Class {
	case models.BlockerPortConflict:
		res = d.recoverPort(ctx, pc, b.Details)
	case models.BlockerRedisNotRunning:
		res = d.recoverRedis(ctx, pc)
	case models.BlockerDatabaseConnection:
		res = d.recoverDatabase(ctx, pc)
	case models.BlockerModuleNotFound:
		res = d.recoverModule(ctx, pc, b.Details)
	default:
		res = Result{Message: fmt.Sprintf("No auto-recovery available for %s", b.Class)}
	}

	if ctx.Err() != nil && !res.Success {
		res.Message = fmt.Sprintf("%s (timed out after %s)", res.Message, d.timeout)
	}

	d.logger.Info("recovery attempt",
		"project_id", pc.ProjectID,
		"blocker", b.Class,
		"success", res.Success,
		"message", res.Message,
	)
	return res
}

func (d *Dispatcher) recoverPort(ctx context.Context, pc ProjectContext, details map[string]string) Result {
	port := DefaultPort
	if raw := details["port"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 65535 {
			return Result{Message: fmt.Sprintf("Invalid port %q", raw)}
		}
		port = n
	}

	out, err := d.runner.Run(ctx, pc.Path, "lsof", "-ti", fmt.Sprintf(":%d", port))
	if err != nil || out == "" {
		return Result{Message: fmt.Sprintf("No process found on port %d", port)}
	}

	pids := strings.Fields(out)
	args := append([]string{"-9"}, pids...)
	if _, err := d.runner.Run(ctx, pc.Path, "kill", args...); err != nil {
		return Result{Message: fmt.Sprintf("Failed to clear port %d: %v", port, err)}
	}
	return Result{Success: true, Message: fmt.Sprintf("Killed process on port %d", port)}
}

func (d *Dispatcher) recoverRedis(ctx context.Context, pc ProjectContext) Result {
	if _, err := d.runner.Run(ctx, pc.Path, "redis-server", "--daemonize", "yes"); err != nil {
		return Result{Message: fmt.Sprintf("Failed to start Redis: %v", err)}
	}
	out, err := d.runner.Run(ctx, pc.Path, "redis-cli", "ping")
	if err != nil || !strings.Contains(out, "PONG") {
		return Result{Message: "Failed to start Redis"}
	}
	return Result{Success: true, Message: "Redis started successfully"}
}

// databaseStarters are tried in order until one succeeds.
var databaseStarters = [][]string{
	{"brew", "services", "start", "postgresql"},
	{"service", "postgresql", "start"},
	{"pg_ctl", "start"},
}

func (d *Dispatcher) recoverDatabase(ctx context.Context, pc ProjectContext) Result {
	for _, argv := range databaseStarters {
		if ctx.Err() != nil {
			break
		}
		if _, err := d.runner.Run(ctx, pc.Path, argv[0], argv[1:]...); err == nil {
			return Result{Success: true, Message: "Database service started with: " + strings.Join(argv, " ")}
		}
	}
	return Result{Message: "Could not start database service automatically"}
}

func (d *Dispatcher) recoverModule(ctx context.Context, pc ProjectContext, details map[string]string) Result {
	module := details["module"]
	if module == "" {
		return Result{Message: "Module name not identified"}
	}
	if strings.HasPrefix(module, "-") {
		return Result{Message: fmt.Sprintf("Refusing suspicious module name %q", module)}
	}

	argv := installCommand(pc.Path, module)
	if argv == nil {
		return Result{Message: "Could not determine package manager"}
	}
	out, err := d.runner.Run(ctx, pc.Path, argv[0], argv[1:]...)
	if err != nil {
		return Result{Message: fmt.Sprintf("Failed to install %s: %s", module, firstLine(out, err))}
	}
	return Result{Success: true, Message: "Installed module: " + module}
}

// installCommand picks a package manager from the lockfiles in dir.
func installCommand(dir, module string) []string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("package.json") && exists("pnpm-lock.yaml"):
		return []string{"pnpm", "add", module}
	case exists("package.json") && exists("yarn.lock"):
		return []string{"yarn", "add", module}
	case exists("package.json"):
		return []string{"npm", "install", module}
	case exists("requirements.txt"), exists("pyproject.toml"):
		return []string{"pip", "install", module}
	case exists("go.mod"):
		return []string{"go", "get", module}
	}
	return nil
}

func firstLine(out string, err error) string {
	if out == "" {
		return err.Error()
	}
	line, _, _ := strings.Cut(out, "\n")
	return line
}
