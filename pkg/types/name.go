package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// nameCharmap is the 5-bit alphabet used by account and action names.
const nameCharmap = ".12345abcdefghijklmnopqrstuvwxyz"

// MaxNameLength is the longest encodable name. The 13th character only has
// four bits available.
const MaxNameLength = 13

// Name is an account, action or permission name packed into 64 bits.
type Name uint64

// ParseName encodes s, rejecting characters outside the name alphabet.
func ParseName(s string) (Name, error) {
	if len(s) > MaxNameLength {
		return 0, fmt.Errorf("name %q longer than %d characters", s, MaxNameLength)
	}
	var value uint64
	for i := 0; i < len(s); i++ {
		sym, ok := nameSymbol(s[i])
		if !ok {
			return 0, fmt.Errorf("name %q: invalid character %q", s, s[i])
		}
		if i < 12 {
			value |= (sym & 0x1f) << (64 - 5*(i+1))
		} else {
			if sym > 0x0f {
				return 0, fmt.Errorf("name %q: invalid 13th character %q", s, s[i])
			}
			value |= sym & 0x0f
		}
	}
	n := Name(value)
	if n.String() != strings.TrimRight(s, ".") {
		return 0, fmt.Errorf("name %q is not in canonical form", s)
	}
	return n, nil
}

// MustName is ParseName for constants. It panics on invalid input.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func nameSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	}
	return 0, false
}

// String decodes the name. Trailing dots are dropped.
func (n Name) String() string {
	var out [MaxNameLength]byte
	tmp := uint64(n)
	for i := 0; i < MaxNameLength; i++ {
		if i == 0 {
			out[12-i] = nameCharmap[tmp&0x0f]
			tmp >>= 4
		} else {
			out[12-i] = nameCharmap[tmp&0x1f]
			tmp >>= 5
		}
	}
	return strings.TrimRight(string(out[:]), ".")
}

// IsEmpty reports whether the name is the zero name.
func (n Name) IsEmpty() bool {
	return n == 0
}

// MarshalJSON encodes the name as its string form.
func (n Name) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON decodes a name from its string form.
func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseName(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// PermissionLevel names an actor and one of its permissions.
type PermissionLevel struct {
	Actor      Name `json:"actor"`
	Permission Name `json:"permission"`
}

// DefaultPermission is used when a signer omits the permission part.
const DefaultPermission = "active"

// ParsePermissionLevel parses "actor@permission". A missing permission
// means DefaultPermission.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	s = strings.TrimSpace(s)
	actor, perm, found := strings.Cut(s, "@")
	if !found {
		perm = DefaultPermission
	}
	if actor == "" {
		return PermissionLevel{}, fmt.Errorf("permission %q: empty actor", s)
	}
	if perm == "" {
		return PermissionLevel{}, fmt.Errorf("permission %q: empty permission", s)
	}
	a, err := ParseName(actor)
	if err != nil {
		return PermissionLevel{}, err
	}
	p, err := ParseName(perm)
	if err != nil {
		return PermissionLevel{}, err
	}
	return PermissionLevel{Actor: a, Permission: p}, nil
}

// String returns "actor@permission".
func (p PermissionLevel) String() string {
	return p.Actor.String() + "@" + p.Permission.String()
}
