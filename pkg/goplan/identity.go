package goplan

import "strings"

// Headers set by the auth layer in front of the service.
const (
	DefaultSubjectHeader = "X-Auth-Subject"
	DefaultEmailHeader   = "X-Auth-Email"
)

// NewIdentity returns nil when subject is blank, so callers can treat
// "no identity" and "unauthenticated" the same way.
func NewIdentity(subject, email string) *Identity {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil
	}
	return &Identity{Subject: subject, Email: strings.TrimSpace(email)}
}
