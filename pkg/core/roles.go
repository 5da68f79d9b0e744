package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleCustomer:
		return RoleCustomer, nil
	default:
		return "", NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown role %q", s), "role")
	}
}

// Partner returns the opposite side of the conversation.
func (r Role) Partner() Role {
	if r == RoleAgent {
		return RoleCustomer
	}
	return RoleAgent
}

// NewID returns a prefixed random identifier, e.g. "s_1f2a9c0b4d6e8a31".
func NewID(prefix string) string {
	return prefix + "_" + randHex(8)
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
