// Package auditlog is a thin structured-logging shim around logrus for the
// security-relevant events spec.md §7 names: authentication outcomes,
// resume/takeover decisions, and termination reasons. It follows the same
// logrus.WithField(s) chaining the teacher repo uses throughout src/handler,
// adding only the policy of which fields are safe to include when
// SECURITY_AUDIT_LOG is off.
package auditlog

import (
	"github.com/sirupsen/logrus"
)

// Log is the audit logger. The zero value is not usable; use New.
type Log struct {
	entry    *logrus.Entry
	detailed bool
}

// New creates an audit logger. detailed controls whether remote-IP,
// session-id, and credential-hash fields are attached to events; when
// false, events are still logged but those fields are omitted, matching
// spec.md §6's SECURITY_AUDIT_LOG flag.
func New(detailed bool) *Log {
	return &Log{entry: logrus.WithField("component", "auditlog"), detailed: detailed}
}

// fields builds a logrus.Fields map from the subset this Log is configured
// to reveal.
func (l *Log) fields(remoteIP, sessionID, credHash string) logrus.Fields {
	f := logrus.Fields{}
	if !l.detailed {
		return f
	}
	if remoteIP != "" {
		f["remoteIP"] = remoteIP
	}
	if sessionID != "" {
		f["sessionId"] = sessionID
	}
	if credHash != "" {
		f["credentialHash"] = credHash
	}
	return f
}

// AuthSucceeded records a successful authentication.
func (l *Log) AuthSucceeded(remoteIP, sessionID, credHash string, authenticated bool) {
	l.entry.WithFields(l.fields(remoteIP, sessionID, credHash)).
		WithField("authenticated", authenticated).
		Info("auth succeeded")
}

// AuthFailed records an authentication failure with its reason
// (auth_failed, auth_timeout, message_too_large, ...).
func (l *Log) AuthFailed(remoteIP, reason string) {
	l.entry.WithFields(l.fields(remoteIP, "", "")).
		WithField("reason", reason).
		Warn("auth failed")
}

// Admitted records an admission decision.
func (l *Log) Admitted(remoteIP string, bucket string, admitted bool, reason string) {
	e := l.entry.WithFields(l.fields(remoteIP, "", "")).WithField("bucket", bucket)
	if admitted {
		e.Info("admitted")
		return
	}
	e.WithField("reason", reason).Warn("admission refused")
}

// SessionEvent records a resume, takeover, or terminate outcome.
func (l *Log) SessionEvent(event, sessionID, reason string) {
	l.entry.WithFields(l.fields("", sessionID, "")).
		WithField("event", event).
		WithField("reason", reason).
		Info("session event")
}
