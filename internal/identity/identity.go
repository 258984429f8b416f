// Package identity maps raw receiver addresses onto canonical transport
// identities (JIDs). Resolution is pure: no network, deterministic for a
// given address and region hint. Reachability is a transport concern.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidAddress = errors.New("invalid address")

const (
	suffixUser         = "@s.whatsapp.net"
	suffixGroup        = "@g.us"
	suffixBroadcast    = "@broadcast"
	jidStatusBroadcast = "status@broadcast"
)

// Resolved is the canonical form of a raw receiver address.
type Resolved struct {
	Raw   string
	Phone string // E.164 digits only
	JID   string
}

// IsJID reports whether s is already a canonical identity: a user, group,
// broadcast or status-broadcast JID.
func IsJID(s string) bool {
	return isUserJID(s) || isGroupJID(s) || isBroadcastJID(s)
}

func isUserJID(s string) bool {
	user, ok := strings.CutSuffix(s, suffixUser)
	return ok && user != "" && !strings.Contains(user, "@")
}

func isGroupJID(s string) bool {
	id, ok := strings.CutSuffix(s, suffixGroup)
	return ok && id != "" && !strings.Contains(id, "@")
}

func isBroadcastJID(s string) bool {
	if s == jidStatusBroadcast {
		return true
	}
	id, ok := strings.CutSuffix(s, suffixBroadcast)
	return ok && id != "" && !strings.Contains(id, "@")
}

// Resolver derives JIDs from phone numbers. The zero value is not usable;
// construct with New.
type Resolver struct {
	defaultRegion string
}

// New returns a resolver that falls back to defaultRegion (an ISO 3166-1
// alpha-2 code, e.g. "ID") when the caller supplies no region hint.
func New(defaultRegion string) *Resolver {
	return &Resolver{defaultRegion: strings.ToUpper(strings.TrimSpace(defaultRegion))}
}

// Resolve turns a raw address into a canonical identity. If raw is already
// a JID it is returned as-is. A malformed phone number yields
// ErrInvalidAddress; this is a user-input error and is never retried.
func (r *Resolver) Resolve(raw, regionHint string) (Resolved, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resolved{}, fmt.Errorf("%w: empty receiver", ErrInvalidAddress)
	}
	if IsJID(raw) {
		return Resolved{Raw: raw, JID: raw}, nil
	}

	region := strings.ToUpper(strings.TrimSpace(regionHint))
	if region == "" {
		region = r.defaultRegion
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return Resolved{}, fmt.Errorf("%w: %q is not a valid number", ErrInvalidAddress, raw)
	}

	phone := strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	return Resolved{
		Raw:   raw,
		Phone: phone,
		JID:   phone + suffixUser,
	}, nil
}
