package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/yoke/internal/models"
)

type call struct {
	dir  string
	argv string
}

// fakeRunner answers commands from a table keyed by the joined argv.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	outputs map[string]string
	fail    map[string]bool
	block   bool
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	argv := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, argv: argv})
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.fail[argv] {
		return "boom", errors.New("exit status 1")
	}
	return f.outputs[argv], nil
}

func (f *fakeRunner) argvs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.argv)
	}
	return out
}

func TestAttempt_PortConflict(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"lsof -ti :4000": "123\n456"}}
	d := NewDispatcher(r, time.Second, nil)

	res := d.Attempt(context.Background(), ProjectContext{Path: "/tmp/app"},
		models.Blocker{Class: models.BlockerPortConflict, Details: map[string]string{"port": "4000"}})

	assert.True(t, res.Success)
	assert.Equal(t, "Killed process on port 4000", res.Message)
	assert.Equal(t, []string{"lsof -ti :4000", "kill -9 123 456"}, r.argvs())
	assert.Equal(t, "/tmp/app", r.calls[0].dir)
}

func TestAttempt_PortConflictDefaults(t *testing.T) {
	r := &fakeRunner{}
	d := NewDispatcher(r, time.Second, nil)

	res := d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerPortConflict})
	assert.False(t, res.Success)
	assert.Equal(t, "No process found on port 3001", res.Message)

	res = d.Attempt(context.Background(), ProjectContext{},
		models.Blocker{Class: models.BlockerPortConflict, Details: map[string]string{"port": "abc"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Invalid port")
}

func TestAttempt_Redis(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"redis-cli ping": "PONG"}}
	d := NewDispatcher(r, time.Second, nil)

	res := d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerRedisNotRunning})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"redis-server --daemonize yes", "redis-cli ping"}, r.argvs())

	r = &fakeRunner{}
	d = NewDispatcher(r, time.Second, nil)
	res = d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerRedisNotRunning})
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to start Redis", res.Message)
}

func TestAttempt_DatabaseTriesCandidates(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"brew services start postgresql": true}}
	d := NewDispatcher(r, time.Second, nil)

	res := d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerDatabaseConnection})
	assert.True(t, res.Success)
	assert.Equal(t, "Database service started with: service postgresql start", res.Message)

	r = &fakeRunner{fail: map[string]bool{
		"brew services start postgresql": true,
		"service postgresql start":       true,
		"pg_ctl start":                   true,
	}}
	d = NewDispatcher(r, time.Second, nil)
	res = d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerDatabaseConnection})
	assert.False(t, res.Success)
	assert.Len(t, r.argvs(), 3)
}

func TestAttempt_MissingModule(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"pnpm", []string{"package.json", "pnpm-lock.yaml"}, "pnpm add lodash"},
		{"yarn", []string{"package.json", "yarn.lock"}, "yarn add lodash"},
		{"npm", []string{"package.json"}, "npm install lodash"},
		{"pip", []string{"requirements.txt"}, "pip install lodash"},
		{"go", []string{"go.mod"}, "go get lodash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0o644))
			}
			r := &fakeRunner{}
			d := NewDispatcher(r, time.Second, nil)

			res := d.Attempt(context.Background(), ProjectContext{Path: dir},
				models.Blocker{Class: models.BlockerModuleNotFound, Details: map[string]string{"module": "lodash"}})
			assert.True(t, res.Success)
			assert.Equal(t, []string{tt.want}, r.argvs())
		})
	}
}

func TestAttempt_MissingModuleFailures(t *testing.T) {
	d := NewDispatcher(&fakeRunner{}, time.Second, nil)

	res := d.Attempt(context.Background(), ProjectContext{Path: t.TempDir()},
		models.Blocker{Class: models.BlockerModuleNotFound})
	assert.Equal(t, "Module name not identified", res.Message)

	res = d.Attempt(context.Background(), ProjectContext{Path: t.TempDir()},
		models.Blocker{Class: models.BlockerModuleNotFound, Details: map[string]string{"module": "lodash"}})
	assert.False(t, res.Success)
	assert.Equal(t, "Could not determine package manager", res.Message)
}

func TestAttempt_NoRecoveryAvailable(t *testing.T) {
	r := &fakeRunner{}
	d := NewDispatcher(r, time.Second, nil)

	for _, class := range []models.BlockerClass{models.BlockerUnknown, models.BlockerDiskFull, models.BlockerAuthFailed} {
		res := d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: class})
		assert.False(t, res.Success)
		assert.Equal(t, "No auto-recovery available for "+string(class), res.Message)
		assert.False(t, Recoverable(class))
	}
	assert.Empty(t, r.argvs())
}

func TestAttempt_Timeout(t *testing.T) {
	r := &fakeRunner{block: true}
	d := NewDispatcher(r, 20*time.Millisecond, nil)

	start := time.Now()
	res := d.Attempt(context.Background(), ProjectContext{}, models.Blocker{Class: models.BlockerRedisNotRunning})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}
