package p2p

import (
	"fmt"
	"strings"
)

// Policy is the set of peers allowed to connect inbound.
type Policy uint8

const (
	PolicyAny Policy = 1 << iota
	PolicyProducers
	PolicySpecified
	PolicyNone
)

// Add sets flag. Adding None clears every other flag; adding anything
// else once None is set fails until Reset.
func (p *Policy) Add(flag Policy) error {
	switch flag {
	case PolicyNone:
		*p = PolicyNone
		return nil
	case PolicyAny, PolicyProducers, PolicySpecified:
		if *p&PolicyNone != 0 {
			return fmt.Errorf("allowed connection %q cannot be combined with none", flag)
		}
		*p |= flag
		return nil
	}
	return fmt.Errorf("unknown allowed connection flag %d", uint8(flag))
}

// Reset clears every flag.
func (p *Policy) Reset() {
	*p = 0
}

// Has reports whether flag is set.
func (p Policy) Has(flag Policy) bool {
	return p&flag != 0
}

// AllowsNone reports whether inbound connections are refused.
func (p Policy) AllowsNone() bool {
	return p == 0 || p.Has(PolicyNone)
}

// RequiresKey reports whether an inbound peer must present a known key.
func (p Policy) RequiresKey() bool {
	return !p.Has(PolicyAny) && (p.Has(PolicyProducers) || p.Has(PolicySpecified))
}

var policyNames = []struct {
	flag Policy
	name string
}{
	{PolicyAny, "any"},
	{PolicyProducers, "producers"},
	{PolicySpecified, "specified"},
	{PolicyNone, "none"},
}

// String renders the set as a comma list.
func (p Policy) String() string {
	var parts []string
	for _, n := range policyNames {
		if p.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParsePolicy builds a policy from option values such as "producers" or
// "any". "none" must stand alone.
func ParsePolicy(values []string) (Policy, error) {
	var p Policy
	var sawNone, sawOther bool
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		var flag Policy
		for _, n := range policyNames {
			if n.name == v {
				flag = n.flag
			}
		}
		if flag == 0 {
			return 0, fmt.Errorf("unknown allowed connection %q", v)
		}
		if flag == PolicyNone {
			sawNone = true
		} else {
			sawOther = true
		}
		if sawNone && sawOther {
			return 0, fmt.Errorf("allowed connection none cannot be combined with other values")
		}
		if err := p.Add(flag); err != nil {
			return 0, err
		}
	}
	if p == 0 {
		p = PolicyAny
	}
	return p, nil
}
