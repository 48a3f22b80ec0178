package agent

import (
	"regexp"
	"strings"

	"github.com/joescharf/yoke/internal/models"
)

// explicitBlocker matches a line the agent is instructed to print when it
// cannot proceed, e.g. "BLOCKER: port_conflict port=3001".
var explicitBlocker = regexp.MustCompile(`(?m)^\s*BLOCKER:\s*([a-z_]+)((?:\s+\w+=\S+)*)\s*$`)

var (
	rePort        = regexp.MustCompile(`(?i)(?:EADDRINUSE|address already in use|port\s+\d+\s+is already in use)`)
	rePortNumber  = regexp.MustCompile(`(?:[:\s])(\d{2,5})\b`)
	reRedis       = regexp.MustCompile(`(?i)(?:redis.*(?:ECONNREFUSED|connection refused)|ECONNREFUSED[^\n]*:6379)`)
	reDatabase    = regexp.MustCompile(`(?i)(?:could not connect to server|ECONNREFUSED[^\n]*:5432|connection to (?:the )?database|database connection failed)`)
	reNodeModule  = regexp.MustCompile(`Cannot find module '([^']+)'`)
	rePyModule    = regexp.MustCompile(`No module named '([^']+)'`)
	reGoModule    = regexp.MustCompile(`no required module provides package ([^\s;]+)`)
	rePermission  = regexp.MustCompile(`(?i)(?:EACCES|permission denied)`)
	reDiskFull    = regexp.MustCompile(`(?i)(?:ENOSPC|no space left on device)`)
	reAuthFailure = regexp.MustCompile(`(?i)(?:authentication_error|invalid api key|invalid x-api-key|401 unauthorized)`)
)

// ExplicitBlocker finds a BLOCKER line reported by the agent.
func ExplicitBlocker(text string) (*models.Blocker, bool) {
	m := explicitBlocker.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	b := &models.Blocker{Class: models.ParseBlockerClass(m[1]), Message: strings.TrimSpace(m[0])}
	for kv := range strings.FieldsSeq(m[2]) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if b.Details == nil {
			b.Details = make(map[string]string)
		}
		b.Details[k] = v
	}
	return b, true
}

// BlockerFromText classifies an error message into a blocker, if it
// recognizes one.
func BlockerFromText(text string) (*models.Blocker, bool) {
	if b, ok := ExplicitBlocker(text); ok {
		return b, true
	}

	msg := firstLine(text)
	switch {
	case rePort.MatchString(text):
		b := &models.Blocker{Class: models.BlockerPortConflict, Message: msg}
		if loc := rePort.FindStringIndex(text); loc != nil {
			if m := rePortNumber.FindStringSubmatch(text[loc[0]:]); m != nil {
				b.Details = map[string]string{"port": m[1]}
			}
		}
		return b, true
	case reRedis.MatchString(text):
		return &models.Blocker{Class: models.BlockerRedisNotRunning, Message: msg}, true
	case reDatabase.MatchString(text):
		return &models.Blocker{Class: models.BlockerDatabaseConnection, Message: msg}, true
	case reDiskFull.MatchString(text):
		return &models.Blocker{Class: models.BlockerDiskFull, Message: msg}, true
	case reAuthFailure.MatchString(text):
		return &models.Blocker{Class: models.BlockerAuthFailed, Message: msg}, true
	case rePermission.MatchString(text):
		return &models.Blocker{Class: models.BlockerPermissionDenied, Message: msg}, true
	}

	for _, re := range []*regexp.Regexp{reNodeModule, rePyModule, reGoModule} {
		if m := re.FindStringSubmatch(text); m != nil {
			return &models.Blocker{
				Class:   models.BlockerModuleNotFound,
				Message: msg,
				Details: map[string]string{"module": m[1]},
			}, true
		}
	}
	return nil, false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
