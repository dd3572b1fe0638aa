package contextroot

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testPrivateKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestBuildAuthMethods(t *testing.T) {
	key := testPrivateKey(t)

	cases := []struct {
		name string
		spec RemoteSpec
		want int
	}{
		{"private key", RemoteSpec{PrivateKey: key}, 1},
		{"password", RemoteSpec{Password: "hunter2"}, 1},
		{"key and password", RemoteSpec{PrivateKey: key, Password: "hunter2"}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			methods, err := buildAuthMethods(tc.spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(methods) != tc.want {
				t.Fatalf("expected %d auth methods, got %d", tc.want, len(methods))
			}
		})
	}
}

func TestBuildAuthMethodsRequiresCredentials(t *testing.T) {
	if _, err := buildAuthMethods(RemoteSpec{}); err == nil {
		t.Fatal("expected an error without credentials")
	}
}

func TestBuildAuthMethodsRejectsMalformedKey(t *testing.T) {
	_, err := buildAuthMethods(RemoteSpec{PrivateKey: "not a pem block"})
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !strings.Contains(err.Error(), "parse ssh private key") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchRemoteRequiresHostAndPath(t *testing.T) {
	err := FetchRemote(context.Background(), RemoteSpec{User: "deploy"}, t.TempDir())
	if err == nil {
		t.Fatal("expected an error without host and path")
	}
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	abs, err := ResolveLocal(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("expected an absolute path, got %q", abs)
	}

	if _, err := ResolveLocal(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := ResolveLocal(file); err == nil {
		t.Fatal("expected an error for a non-directory")
	}
}
