package domain

import (
	"strings"

	dErrors "careflow/pkg/domain-errors"
)

// Role is the authorization role carried by an identity token.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var roleRank = map[Role]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown role")
	}
	return r, nil
}

func (r Role) String() string { return string(r) }

func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// Includes reports whether r grants at least the privileges of other.
func (r Role) Includes(other Role) bool {
	return roleRank[r] >= roleRank[other] && roleRank[other] > 0
}
