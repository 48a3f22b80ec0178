package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/yoke/internal/models"
)

func TestBlockerFromText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		class   models.BlockerClass
		details map[string]string
	}{
		{
			name:    "node port in use",
			text:    "Error: listen EADDRINUSE: address already in use :::3001\n    at Server.setupListenHandle",
			class:   models.BlockerPortConflict,
			details: map[string]string{"port": "3001"},
		},
		{
			name:    "vite port message",
			text:    "Port 5173 is already in use",
			class:   models.BlockerPortConflict,
			details: map[string]string{"port": "5173"},
		},
		{
			name:  "redis refused",
			text:  "Redis connection to 127.0.0.1:6379 failed - connect ECONNREFUSED 127.0.0.1:6379",
			class: models.BlockerRedisNotRunning,
		},
		{
			name:  "postgres down",
			text:  "psql: error: could not connect to server: Connection refused",
			class: models.BlockerDatabaseConnection,
		},
		{
			name:    "node module",
			text:    "Error: Cannot find module 'express'\nRequire stack:",
			class:   models.BlockerModuleNotFound,
			details: map[string]string{"module": "express"},
		},
		{
			name:    "python module",
			text:    "ModuleNotFoundError: No module named 'flask'",
			class:   models.BlockerModuleNotFound,
			details: map[string]string{"module": "flask"},
		},
		{
			name:    "go module",
			text:    "main.go:5:2: no required module provides package github.com/foo/bar; to add it:",
			class:   models.BlockerModuleNotFound,
			details: map[string]string{"module": "github.com/foo/bar"},
		},
		{
			name:  "permission",
			text:  "EACCES: permission denied, open '/etc/hosts'",
			class: models.BlockerPermissionDenied,
		},
		{
			name:  "disk full",
			text:  "write /tmp/x: no space left on device",
			class: models.BlockerDiskFull,
		},
		{
			name:  "auth",
			text:  `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			class: models.BlockerAuthFailed,
		},
		{
			name:    "explicit marker",
			text:    "I cannot continue.\nBLOCKER: redis_not_running host=localhost port=6379\n",
			class:   models.BlockerRedisNotRunning,
			details: map[string]string{"host": "localhost", "port": "6379"},
		},
		{
			name:  "explicit unknown class",
			text:  "BLOCKER: cosmic_rays",
			class: models.BlockerUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok := BlockerFromText(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.class, b.Class)
			if tt.details != nil {
				assert.Equal(t, tt.details, b.Details)
			}
			assert.NotEmpty(t, b.Message)
		})
	}
}

func TestBlockerFromText_NoMatch(t *testing.T) {
	for _, text := range []string{"", "All tests passed", "TypeError: x is undefined"} {
		_, ok := BlockerFromText(text)
		assert.False(t, ok, text)
	}
}

func TestExplicitBlocker_RequiresOwnLine(t *testing.T) {
	_, ok := ExplicitBlocker("If stuck, print BLOCKER: <class> on its own line")
	assert.False(t, ok)
}
