// Package redact scrubs credentials from strings before they are logged.
// Connection URLs carry passwords, and a failed connection tends to echo
// the URL back inside its error text, so everything the application reports
// about its backends passes through here first.
package redact

import (
	"net/url"
	"regexp"
)

// Placeholder replaces the password of a redacted credential.
const Placeholder = "xxxxx"

// userinfoRegex matches the password of a URL-shaped credential embedded in
// free-form text, where a full parse is not possible.
var userinfoRegex = regexp.MustCompile(`(://[^:/?#@\s]+):[^/?#@\s]+@`)

// URL returns a connection URL with its password masked. Input that does
// not parse as a URL is scrubbed textually instead, so a malformed DSN
// cannot leak a credential through an error path either.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return String(raw)
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), Placeholder)
	}
	return u.String()
}

// String masks the password of every URL-shaped credential in s.
func String(s string) string {
	return userinfoRegex.ReplaceAllString(s, "${1}:"+Placeholder+"@")
}

// Error scrubs an error's text. Returns the empty string for a nil error.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
