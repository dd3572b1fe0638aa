package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/keelhq/forge/pkg/builder"
	"github.com/keelhq/forge/pkg/buildspec"
	"github.com/keelhq/forge/pkg/contextroot"
	"github.com/keelhq/forge/pkg/oci"
	"github.com/keelhq/forge/pkg/pip"
)

// forgectl runs a single build against a local context and prints the
// committed image digest. It reads forge.yaml from the context when present;
// flags override individual fields.
func main() {
	var (
		contextDir = flag.String("context", ".", "build context directory")
		base       = flag.String("base", "", "base image reference")
		workdir    = flag.String("workdir", "", "working directory inside the image")
		manifest   = flag.String("manifest", "", "dependency manifest path relative to the context")
		source     = flag.String("source", "", "source directory relative to the context")
		entry      = flag.String("entrypoint", "", "entrypoint argv, comma separated")
		tag        = flag.String("tag", "", "tag for the produced image")
		outTar     = flag.String("o", "", "write the image as a docker-loadable tarball (requires -tag)")
		storeDir   = flag.String("store", "", "commit the image into an OCI layout store at this directory")
		cacheDir   = flag.String("cache", "", "layer cache directory")
		python     = flag.String("python", "python3", "python interpreter used for pip")
		push       = flag.Bool("push", false, "push the committed image to its registry (requires -tag)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, err := contextroot.ResolveLocal(*contextDir)
	if err != nil {
		log.Fatalf("forgectl: %v", err)
	}

	spec, err := buildspec.FromContext(root)
	if err != nil && !errors.Is(err, buildspec.ErrNoSpecFile) {
		log.Fatalf("forgectl: %v", err)
	}
	if *base != "" {
		spec.BaseImage = *base
	}
	if *workdir != "" {
		spec.WorkDir = *workdir
	}
	if *manifest != "" {
		spec.ManifestPath = *manifest
	}
	if *source != "" {
		spec.SourceDir = *source
	}
	if *entry != "" {
		spec.Entrypoint = splitArgv(*entry)
	}
	spec = spec.WithDefaults()

	opts := []builder.Option{}
	if *cacheDir != "" {
		cache, err := builder.NewLayerCache(*cacheDir)
		if err != nil {
			log.Fatalf("forgectl: %v", err)
		}
		opts = append(opts, builder.WithLayerCache(cache))
	}
	if *storeDir != "" {
		store, err := oci.NewLayoutStore(*storeDir)
		if err != nil {
			log.Fatalf("forgectl: %v", err)
		}
		opts = append(opts, builder.WithLayoutStore(store))
	}

	engine := builder.NewEngine(oci.NewRemoteResolver(), pip.NewCLIInstaller(*python), opts...)

	buildID := uuid.NewString()
	prog := builder.Progress{
		Log: func(format string, args ...any) { log.Printf(format, args...) },
	}

	res, err := engine.Build(ctx, buildID, root, spec, prog)
	if err != nil {
		if kind := builder.KindOf(err); kind != "" {
			log.Fatalf("forgectl: build failed (%s): %v", kind, err)
		}
		log.Fatalf("forgectl: build failed: %v", err)
	}

	if *outTar != "" {
		if *tag == "" {
			log.Fatalf("forgectl: -o requires -tag")
		}
		if err := oci.WriteTarball(*outTar, *tag, res.Image); err != nil {
			log.Fatalf("forgectl: %v", err)
		}
		log.Printf("wrote %s", *outTar)
	}
	if *push {
		if *tag == "" {
			log.Fatalf("forgectl: -push requires -tag")
		}
		digest, err := oci.Push(ctx, *tag, res.Image)
		if err != nil {
			log.Fatalf("forgectl: %v", err)
		}
		log.Printf("pushed %s (%s)", *tag, digest)
	}

	fmt.Fprintln(os.Stdout, res.Digest.String())
}

func splitArgv(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
