package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opensandbox/podrelay/internal/auth"
)

func setTokenEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PODRELAY_JWT_SECRET", "token-cmd-secret")
	t.Setenv("PODRELAY_SECRETS_ARN", "")
	t.Setenv("PODRELAY_BACKEND", "")
	t.Setenv("PODRELAY_PORT", "")
}

func TestTokenCmd_IssuesValidToken(t *testing.T) {
	setTokenEnv(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"token", "--user", "alice", "--role", "viewer", "--namespaces", "default,staging", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	user, err := auth.NewJWTIssuer("token-cmd-secret").ValidateUserToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ValidateUserToken: %v", err)
	}
	if user.Username != "alice" || user.Role != auth.RoleViewer {
		t.Errorf("user = %+v", user)
	}
	if len(user.Namespaces) != 2 || user.Namespaces[0] != "default" || user.Namespaces[1] != "staging" {
		t.Errorf("namespaces = %v", user.Namespaces)
	}
	if !user.CanAccessNamespace("staging") || user.CanAccessNamespace("prod") {
		t.Errorf("namespace access wrong for %+v", user)
	}
}

func TestTokenCmd_AllNamespacesDefaultRole(t *testing.T) {
	setTokenEnv(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "bob", "--all-namespaces"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	user, err := auth.NewJWTIssuer("token-cmd-secret").ValidateUserToken(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ValidateUserToken: %v", err)
	}
	if user.Role != auth.RoleOperator || !user.AllNamespaces {
		t.Errorf("user = %+v", user)
	}
}

func TestTokenCmd_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		secret string
		want   string
	}{
		{"unknown role", []string{"token", "--user", "alice", "--role", "root"}, "s", "invalid role"},
		{"missing user", []string{"token"}, "s", "user"},
		{"zero ttl", []string{"token", "--user", "alice", "--ttl", "0s"}, "s", "ttl"},
		{"no secret", []string{"token", "--user", "alice"}, "", "PODRELAY_JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTokenEnv(t)
			t.Setenv("PODRELAY_JWT_SECRET", tt.secret)

			var out bytes.Buffer
			root := newRootCmd()
			root.SetOut(&out)
			root.SetErr(&out)
			root.SetArgs(tt.args)
			err := root.Execute()
			if err == nil {
				t.Fatalf("expected error, output %q", out.String())
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
