// Package audit records who last changed the shared configuration.
package audit

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	UnknownModifier = "Unknown"
	UnknownHost     = "UnknownHost"

	timeLayout = "2006-01-02 15:04:05"
)

// Record is the content of the audit trail object.
type Record struct {
	Modifier  string    `json:"modifier"`
	Time      time.Time `json:"time"`
	Node      string    `json:"node"`
	Operation string    `json:"operation"`
	SessionID string    `json:"session_id"`
}

// Known reports whether the record names a modifier.
func (r Record) Known() bool {
	return r.Modifier != "" && r.Modifier != UnknownModifier
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string { return uuid.NewString() }

// NewRecord stamps an operation with the current time.
func NewRecord(modifier, node, operation, sessionID string) Record {
	return Record{
		Modifier:  modifier,
		Time:      time.Now(),
		Node:      node,
		Operation: operation,
		SessionID: sessionID,
	}
}

// FormatTime renders t as ISO-8601 for the LastModifiedTime variable.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	timeLayout,
}

// ParseTime accepts ISO-8601 with or without zone and fraction.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// FormatSource annotates a pending change's source with the audit record.
func FormatSource(base string, rec *Record) string {
	if rec == nil || !rec.Known() {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" | Modified by: ")
	b.WriteString(rec.Modifier)
	if !rec.Time.IsZero() {
		b.WriteString(" at ")
		b.WriteString(rec.Time.Format(timeLayout))
	}
	if rec.Operation != "" {
		b.WriteString(" (")
		b.WriteString(rec.Operation)
		b.WriteString(")")
	}
	return b.String()
}

// Resolver looks up who is operating this process. Fields are swappable for
// tests.
type Resolver struct {
	SystemUser func() (string, error)
	Hostname   func() (string, error)
	LookupIP   func(host string) ([]net.IP, error)
}

// DefaultResolver uses the process environment and the OS resolver.
var DefaultResolver = Resolver{
	SystemUser: systemUser,
	Hostname:   os.Hostname,
	LookupIP:   net.LookupIP,
}

func systemUser() (string, error) {
	for _, key := range []string{"LOGNAME", "USER", "LNAME", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	name := u.Username
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	return name, nil
}

// Resolve picks the OPC UA user, then the OS user, then "host (ip)".
func (r Resolver) Resolve(clientUser string) string {
	if u := strings.TrimSpace(clientUser); u != "" {
		return u + " (Client_User)"
	}
	if r.SystemUser != nil {
		if u, err := r.SystemUser(); err == nil && u != "" {
			return u + " (System_User)"
		}
	}
	if r.Hostname == nil {
		return UnknownHost
	}
	host, err := r.Hostname()
	if err != nil || host == "" {
		return UnknownHost
	}
	if r.LookupIP != nil {
		if ips, err := r.LookupIP(host); err == nil {
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil {
					return fmt.Sprintf("%s (%s)", host, v4)
				}
			}
			if len(ips) > 0 {
				return fmt.Sprintf("%s (%s)", host, ips[0])
			}
		}
	}
	return UnknownHost
}

// ResolveModifier is DefaultResolver.Resolve.
func ResolveModifier(clientUser string) string {
	return DefaultResolver.Resolve(clientUser)
}
