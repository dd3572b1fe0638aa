package oci

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Resolver turns a base image reference into an image. Resolution happens
// once per build, before any layer work starts.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (v1.Image, error)
}

// RemoteResolver pulls base images from their registry using the ambient
// docker credential keychain.
type RemoteResolver struct {
	keychain authn.Keychain
}

func NewRemoteResolver() *RemoteResolver {
	return &RemoteResolver{keychain: authn.DefaultKeychain}
}

func (r *RemoteResolver) Resolve(ctx context.Context, ref string) (v1.Image, error) {
	parsed, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return nil, fmt.Errorf("parse base image reference %q: %w", ref, err)
	}
	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(r.keychain),
	)
	if err != nil {
		return nil, fmt.Errorf("pull base image %q: %w", ref, err)
	}
	return img, nil
}
