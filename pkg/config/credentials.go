package config

import (
	"context"
	"sort"

	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// DefaultCredentialRef is used when a target names no credentials or names
// ones that are not configured
const DefaultCredentialRef = "default"

// Credentials maps credential refs to usernames and passwords
type Credentials map[string]CredentialConfig

// Resolve looks up ref, falling back to the default set. An unknown ref with
// no default is an authentication failure; an empty ref with no default
// resolves to empty credentials.
func (c Credentials) Resolve(_ context.Context, ref string) (common.Credentials, error) {
	if ref != "" {
		if cred, ok := c[ref]; ok {
			return common.Credentials{Username: cred.Username, Password: cred.Password}, nil
		}
	}
	if cred, ok := c[DefaultCredentialRef]; ok {
		return common.Credentials{Username: cred.Username, Password: cred.Password}, nil
	}
	if ref != "" {
		return common.Credentials{}, fault.New(fault.AuthenticationFailure, "resolve credentials", "no credentials configured for %q", ref)
	}
	return common.Credentials{}, nil
}

// Refs returns the configured refs in sorted order
func (c Credentials) Refs() []string {
	refs := make([]string, 0, len(c))
	for ref := range c {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
