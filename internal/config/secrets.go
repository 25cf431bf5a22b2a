package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	envSecretRefPrefix = "env://"
	// RefSuffix names the companion variable holding a secret reference,
	// e.g. IVR_LLM_API_KEY_REF=env://OPENAI_KEY.
	RefSuffix = "_REF"
)

// LookupFunc resolves an environment-style name.
type LookupFunc func(string) (string, bool)

// ResolveSecretRef resolves "env://NAME" or a bare "NAME" from the process environment.
func ResolveSecretRef(ref string) (string, error) {
	return ResolveSecretRefWithLookup(ref, os.LookupEnv)
}

// ResolveSecretRefWithLookup resolves a secret reference using lookup.
func ResolveSecretRefWithLookup(ref string, lookup LookupFunc) (string, error) {
	name, err := parseSecretRefName(ref)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		return "", fmt.Errorf("secret lookup function is required")
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret_ref %q resolved empty value", name)
	}
	return value, nil
}

// ResolveValue returns raw unless it is an env:// reference, which is resolved.
// An unresolvable reference yields an error so misconfigured secrets fail at startup.
func ResolveValue(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, envSecretRefPrefix) {
		return trimmed, nil
	}
	return ResolveSecretRef(trimmed)
}

// EnvValue reads name from the environment, preferring a resolvable name+RefSuffix
// reference. fallback applies when both are empty; a failing reference falls back
// to the literal.
func EnvValue(name string, fallback string) string {
	literal := strings.TrimSpace(os.Getenv(name))
	if literal == "" {
		literal = fallback
	}
	ref := strings.TrimSpace(os.Getenv(name + RefSuffix))
	if ref == "" {
		return literal
	}
	value, err := ResolveSecretRef(ref)
	if err != nil {
		return literal
	}
	return value
}

// RedactSecret returns a fixed marker for non-empty secret material.
func RedactSecret(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func parseSecretRefName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("secret_ref is required")
	}
	if strings.HasPrefix(trimmed, envSecretRefPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, envSecretRefPrefix))
		if name == "" {
			return "", fmt.Errorf("secret_ref %q is missing env var name", ref)
		}
		if strings.Contains(name, "/") {
			return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
		}
		return name, nil
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("secret_ref %q uses unsupported scheme", ref)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
	}
	return trimmed, nil
}
