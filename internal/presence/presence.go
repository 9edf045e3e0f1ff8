// Package presence tracks which gateway an identity is connected to and
// where it is in the call lifecycle. Records live in Redis and expire unless
// the owning gateway keeps refreshing them.
package presence
