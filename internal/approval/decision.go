// Package approval gates side-effecting tool calls behind a user decision.
package approval

import (
	"fmt"
	"strings"
)

// Decision is the user's answer to an approval request.
type Decision int

const (
	Approve Decision = iota
	ApproveAndRemember
	Deny
	DenyAndStop
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case ApproveAndRemember:
		return "approve_and_remember"
	case Deny:
		return "deny"
	case DenyAndStop:
		return "deny_and_stop"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Approved reports whether the command may run.
func (d Decision) Approved() bool {
	return d == Approve || d == ApproveAndRemember
}

// ParseDecision accepts the String form plus a few short aliases.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "yes", "y", "once":
		return Approve, nil
	case "approve_and_remember", "remember", "always", "a":
		return ApproveAndRemember, nil
	case "deny", "no", "n":
		return Deny, nil
	case "deny_and_stop", "stop", "s":
		return DenyAndStop, nil
	}
	return Deny, fmt.Errorf("unknown decision %q", s)
}

// Mode selects when the gate asks the user.
type Mode string

const (
	ModeAlwaysAsk            Mode = "always_ask"
	ModeAutoApproveSandboxed Mode = "auto_approve_sandboxed"
	ModeAutoApproveAll       Mode = "auto_approve_all"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case ModeAlwaysAsk, ModeAutoApproveSandboxed, ModeAutoApproveAll:
		return m, nil
	case "":
		return ModeAlwaysAsk, nil
	}
	return ModeAlwaysAsk, fmt.Errorf("unknown approval mode %q (want always_ask, auto_approve_sandboxed or auto_approve_all)", s)
}

// Scope controls which future commands a remembered approval covers.
type Scope string

const (
	// ScopeExact remembers the literal command only.
	ScopeExact Scope = "exact"
	// ScopePrefix remembers the command name (plus subcommand for common
	// build tools) with any arguments.
	ScopePrefix Scope = "prefix"
)

func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.TrimSpace(s)); sc {
	case ScopeExact, ScopePrefix:
		return sc, nil
	case "":
		return ScopePrefix, nil
	}
	return ScopePrefix, fmt.Errorf("unknown remember scope %q (want exact or prefix)", s)
}
