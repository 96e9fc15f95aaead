package models

import (
	"fmt"
	"strconv"
	"strings"
)

// supergroupOffset is added to a small-group id to get its broadcast or
// supergroup encoding: -123 becomes -1000000000123.
const supergroupOffset = 1_000_000_000_000

// ChannelRef is a user-supplied channel reference: either a public username
// or a numeric peer id.
type ChannelRef struct {
	username string
	id       int64
	numeric  bool
}

// UsernameRef builds a username reference. A leading "@" is dropped.
func UsernameRef(name string) ChannelRef {
	return ChannelRef{username: strings.TrimPrefix(name, "@")}
}

// NumericRef builds a numeric id reference.
func NumericRef(id int64) ChannelRef {
	return ChannelRef{id: id, numeric: true}
}

// ParseChannelRef turns raw user input into a ChannelRef. Anything that parses
// as a base-10 integer is numeric.
func ParseChannelRef(raw string) (ChannelRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "@" {
		return ChannelRef{}, fmt.Errorf("empty channel reference")
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if id == 0 {
			return ChannelRef{}, fmt.Errorf("invalid channel id %q", raw)
		}
		return NumericRef(id), nil
	}
	if strings.ContainsAny(raw, " \t\n") {
		return ChannelRef{}, fmt.Errorf("invalid channel username %q", raw)
	}
	return UsernameRef(raw), nil
}

func (r ChannelRef) IsNumeric() bool  { return r.numeric }
func (r ChannelRef) ID() int64        { return r.id }
func (r ChannelRef) Username() string { return r.username }
func (r ChannelRef) IsZero() bool     { return !r.numeric && r.username == "" }

func (r ChannelRef) String() string {
	if r.numeric {
		return strconv.FormatInt(r.id, 10)
	}
	return "@" + r.username
}

// Alternate returns the supergroup encoding of a small-group style id.
// Only negative ids above -10^12 have one.
func (r ChannelRef) Alternate() (ChannelRef, bool) {
	if !r.numeric || r.id >= 0 || r.id <= -supergroupOffset {
		return ChannelRef{}, false
	}
	return NumericRef(-supergroupOffset + r.id), true
}
