package protocol

import "fmt"

// validTypes enumerates every message type spec.md §6.2 names.
var validTypes = map[string]bool{
	TypeSubscribe:         true,
	TypeUnsubscribe:       true,
	TypeReleaseResource:   true,
	TypeWrite:             true,
	TypeWriteAck:          true,
	TypeResourceUpdate:    true,
	TypeDefine:            true,
	TypeLogin:             true,
	TypeCreateAccount:     true,
	TypeLogout:            true,
	TypeLoginStatus:       true,
	TypeTerminate:         true,
	TypeReloadApplication: true,
}

// ValidateType reports whether t is a recognized message type. It only
// reports: internal/session does not call it, and a session logs and skips
// a message whose type it does not handle without closing the connection.
func ValidateType(t string) error {
	if !validTypes[t] {
		return fmt.Errorf("protocol: unrecognized message type %q", t)
	}
	return nil
}

// clientToServerTypes are the types valid when received from a client.
var clientToServerTypes = map[string]bool{
	TypeSubscribe:       true,
	TypeUnsubscribe:     true,
	TypeReleaseResource: true,
	TypeWrite:           true,
	TypeDefine:          true,
	TypeLogin:           true,
	TypeCreateAccount:   true,
	TypeLogout:          true,
}

// ValidateClientMessage additionally checks that t is one the server
// accepts from a client (as opposed to server-only reply types).
func ValidateClientMessage(t string) error {
	if err := ValidateType(t); err != nil {
		return err
	}
	if !clientToServerTypes[t] {
		return fmt.Errorf("protocol: message type %q is not valid from a client", t)
	}
	return nil
}
