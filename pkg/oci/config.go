package oci

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
)

// Configure returns img with the launch contract applied: cwd set to
// workdir, the exact entrypoint argument vector, and any extra environment.
// Cmd is cleared so the base image's default arguments cannot leak into the
// declared process.
func Configure(img v1.Image, workdir string, entrypoint []string, env map[string]string) (v1.Image, error) {
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	cfg := cf.DeepCopy()
	cfg.Config.WorkingDir = workdir
	cfg.Config.Entrypoint = entrypoint
	cfg.Config.Cmd = nil
	cfg.Config.Env = mergeEnv(cfg.Config.Env, env)

	out, err := mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("apply image config: %w", err)
	}
	return out, nil
}

// mergeEnv overrides or appends KEY=VALUE pairs, appending new keys in
// sorted order so the config stays deterministic.
func mergeEnv(existing []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return existing
	}
	pending := make(map[string]string, len(extra))
	for k, v := range extra {
		pending[k] = v
	}
	out := make([]string, 0, len(existing)+len(extra))
	for _, kv := range existing {
		key := kv
		if idx := strings.Index(kv, "="); idx != -1 {
			key = kv[:idx]
		}
		if v, ok := pending[key]; ok {
			out = append(out, key+"="+v)
			delete(pending, key)
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+pending[k])
	}
	return out
}
