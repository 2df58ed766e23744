// Package domain contains entities without logic, just meta-data
package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

type UserName string

var (
	serverNameRe = regexp.MustCompile(`^S[0-9]+$`)
	ownedNameRe  = regexp.MustCompile(`^(S[0-9]+)[CR][0-9]+$`)
)

// ServerName formats the n-th server name, e.g. S1.
func ServerName(n int) string { return "S" + strconv.Itoa(n) }

// ValidServerName reports whether name follows the S<n> convention.
func ValidServerName(name string) bool { return serverNameRe.MatchString(name) }

// ClientName formats the n-th client of server, e.g. S1C0.
func ClientName(server string, n int) UserName {
	return UserName(fmt.Sprintf("%sC%d", server, n))
}

// OwnerServer extracts the server prefix of a client or room name.
// S2C7 and S2R1 both belong to S2.
func OwnerServer(name string) (string, bool) {
	m := ownedNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
