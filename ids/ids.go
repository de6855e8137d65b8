// Package ids validates the opaque identifier shapes used throughout the
// relay: Whisper IDs for users and Group IDs for group chats. The server
// never generates either value — both are minted by clients and only ever
// used here as validated, opaque keys into the KV store and directories.
package ids

import "regexp"

// WhisperIDPattern is the wire-exact shape of a Whisper ID: WSP- followed
// by three dash-separated groups of four uppercase alphanumerics.
var WhisperIDPattern = regexp.MustCompile(`^WSP-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// GroupIDPattern is the wire-exact shape of a Group ID.
var GroupIDPattern = regexp.MustCompile(`^GRP-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// IsWhisperID reports whether s has the shape of a valid Whisper ID.
func IsWhisperID(s string) bool {
	return WhisperIDPattern.MatchString(s)
}

// IsGroupID reports whether s has the shape of a valid Group ID.
func IsGroupID(s string) bool {
	return GroupIDPattern.MatchString(s)
}
