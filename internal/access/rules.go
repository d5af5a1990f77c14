package access

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Action is what a matching [Rule] decides.
type Action int

const (
	// ActionAllow grants access.
	ActionAllow = Action(iota)

	// ActionDeny denies access.
	ActionDeny

	// ActionAsk asks the [Approver].
	ActionAsk
)

// String implements fmt.Stringer
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionAsk:
		return "ask"
	default:
		return "invalid"
	}
}

// ErrUnknownAction is returned when parsing an unknown action name.
var ErrUnknownAction = errors.New("access: unknown action")

// NewActionFromString parses an action name as returned by [Action.String].
func NewActionFromString(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	case "ask":
		return ActionAsk, nil
	default:
		return ActionDeny, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Rule matches clients by user name and host. Empty lists match anything.
type Rule struct {
	Action Action
	Users  []string
	Hosts  []netip.Prefix
}

// Matches returns whether the rule applies to the given user and host.
func (r *Rule) Matches(username, host string) bool {
	if len(r.Users) > 0 && !containsFold(r.Users, username) {
		return false
	}
	if len(r.Hosts) > 0 {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		found := false
		for _, prefix := range r.Hosts {
			if prefix.Contains(addr) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, s) {
			return true
		}
	}
	return false
}

// evaluate returns the action of the first matching rule, or fallback.
func evaluate(rules []Rule, fallback Action, username, host string) Action {
	for i := range rules {
		if rules[i].Matches(username, host) {
			return rules[i].Action
		}
	}
	return fallback
}
