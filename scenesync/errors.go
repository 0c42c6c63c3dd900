package scenesync

import (
	"fmt"
)

// error taxonomy:
// - AuthError: credential exchange failed. Fatal to session start.
// - ConnectError: transport-level failure. Reported, not retried.
// - FetchError: asset download failed. The referencing object stays
//   unresolved; siblings are unaffected.
// - ParseError: one malformed inbound message. Dropped with a warning.
// - PermissionError: publish outside the granted topic claims.

type AuthError struct {
	Message string
	Cause   error
}

func (self *AuthError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("auth error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("auth error: %s", self.Message)
}

func (self *AuthError) Unwrap() error {
	return self.Cause
}

type ConnectError struct {
	Message string
	Cause   error
}

func (self *ConnectError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("connect error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("connect error: %s", self.Message)
}

func (self *ConnectError) Unwrap() error {
	return self.Cause
}

type FetchError struct {
	Uri   string
	Cause error
}

func (self *FetchError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("fetch error: %s: %s", self.Uri, self.Cause)
	}
	return fmt.Sprintf("fetch error: %s", self.Uri)
}

func (self *FetchError) Unwrap() error {
	return self.Cause
}

type ParseError struct {
	Message string
	Cause   error
}

func (self *ParseError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("parse error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("parse error: %s", self.Message)
}

func (self *ParseError) Unwrap() error {
	return self.Cause
}

type PermissionError struct {
	Topic string
}

func (self *PermissionError) Error() string {
	return fmt.Sprintf("permission error: topic outside token claims: %s", self.Topic)
}
