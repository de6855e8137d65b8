// Package kv defines the thin adapter every other component uses to reach
// the presence/queue store (a Redis-equivalent key-value store). All
// cross-instance visibility — presence, directories, queues, group
// membership — flows through this one interface, the way the teacher
// repo routes all peer I/O through its transport.Transport interface
// rather than letting callers reach for net.Conn directly.
package kv

import (
	"context"
	"time"
)

// Store is the minimal set of primitives every component needs: strings
// with optional TTL, sets, and pub/sub. A single implementation
// (RedisStore) backs production; tests use the in-memory fake in
// memory.go.
type Store interface {
	// Get returns the value stored at key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key. A ttl of zero means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Expire refreshes the TTL of an existing key without changing its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SIsMember reports whether member is in the set at key.
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// Publish sends payload on channel to every subscriber across every
	// server instance.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a channel of payloads published on channel. The
	// returned func cancels the subscription and releases resources.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// RPush appends values to the end of the list at key, preserving
	// FIFO order across repeated calls.
	RPush(ctx context.Context, key string, values ...string) error
	// LRange returns the list elements at key between start and stop
	// (inclusive, zero-indexed; a stop of -1 means through the end).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LTrim keeps only the elements at key between start and stop,
	// discarding the rest.
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LLen returns the number of elements in the list at key.
	LLen(ctx context.Context, key string) (int64, error)
}

// Keyspace centralizes the key-prefixing scheme from the wire spec so no
// caller hand-rolls a fmt.Sprintf with a typo-prone prefix.
type Keyspace struct{}

func (Keyspace) Presence(wid string) string      { return "presence:" + wid }
func (Keyspace) Socket(sid string) string         { return "socket:" + sid }
func (Keyspace) Registered(wid string) string     { return "registered:" + wid }
func (Keyspace) Push(wid string) string           { return "push:" + wid }
func (Keyspace) VoIP(wid string) string           { return "voip:" + wid }
func (Keyspace) Platform(wid string) string       { return "platform:" + wid }
func (Keyspace) LastSeen(wid string) string       { return "lastseen:" + wid }
func (Keyspace) PubKey(wid string) string         { return "pubkey:" + wid }
func (Keyspace) SignKey(wid string) string        { return "signkey:" + wid }
func (Keyspace) Queue(wid string) string          { return "queue:" + wid }
func (Keyspace) Message(mid string) string        { return "msg:" + mid }
func (Keyspace) Group(gid string) string          { return "group:" + gid }
func (Keyspace) GroupMembers(gid string) string   { return "gmembers:" + gid }
func (Keyspace) UserGroups(wid string) string     { return "ugroups:" + wid }
func (Keyspace) GroupInvite(wid, gid string) string {
	return "ginvite:" + wid + ":" + gid
}
func (Keyspace) Banned(wid string) string  { return "banned:" + wid }
func (Keyspace) Blocked(wid string) string { return "blocked:" + wid }
func (Keyspace) BlockedBy(wid string) string { return "blockedby:" + wid }
func (Keyspace) CallOffer(calleeID string) string { return "call:" + calleeID }
func (Keyspace) Seen(wid, mid string) string {
	return "seen:" + wid + ":" + mid
}

// Channels are the pub/sub channels used for cross-instance fan-out.
const (
	ChannelMessages = "messages"
	ChannelCalls    = "calls"
	ChannelPresence = "presence"
)

// Keys is the package-wide singleton; it carries no state, so sharing it
// is safe and avoids an allocation at every call site.
var Keys = Keyspace{}
