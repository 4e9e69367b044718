// Package config loads the ambient configuration the rest of halvor
// reads from the environment: the overlay hostname-suffix list and
// tailnet base, the agent mesh listen port, an inlined cluster
// credential document, and the cluster admission token.
package config

import (
	"os"
	"strconv"
	"strings"
)

// DefaultAgentPort is the fixed default port the agent mesh listens
// and dials on, per the wire contract.
const DefaultAgentPort = 13500

// defaultSuffixes is the fallback hostname-suffix list, used only when
// TAILNET_SUFFIXES is unset. The original source hard-coded this list;
// here it is configuration, not code.
var defaultSuffixes = []string{".ts.net", ".local", ".lan"}

// Config is the ambient configuration loaded once per invocation.
type Config struct {
	// TailnetSuffixes lists hostname suffixes stripped during
	// normalization (".ts.net", ".local", ...).
	TailnetSuffixes []string
	// TailnetBase is appended to a short identifier to construct a
	// fallback FQDN when overlay lookups fail.
	TailnetBase string
	// AgentPort is the TCP port the agent mesh listens and dials on.
	AgentPort int
	// KubeConfig is an inlined Cluster Credential Document, used in
	// place of reading one from disk when set.
	KubeConfig string
	// ClusterToken is the cluster admission secret (K3S_TOKEN).
	ClusterToken string
}

// Load reads ambient configuration from the environment.
func Load() Config {
	cfg := Config{
		TailnetSuffixes: defaultSuffixes,
		TailnetBase:     os.Getenv("TAILNET_BASE"),
		AgentPort:       DefaultAgentPort,
		KubeConfig:      os.Getenv("KUBE_CONFIG"),
		ClusterToken:    os.Getenv("K3S_TOKEN"),
	}

	if raw := os.Getenv("TAILNET_SUFFIXES"); raw != "" {
		var suffixes []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				suffixes = append(suffixes, s)
			}
		}
		if len(suffixes) > 0 {
			cfg.TailnetSuffixes = suffixes
		}
	}

	if raw := os.Getenv("HALVOR_AGENT_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.AgentPort = port
		}
	}

	return cfg
}

// Normalize strips any configured hostname suffix from name and
// lower-cases it for comparison while preserving the stripped,
// original-case form as the return value (case is preserved on the
// value; comparisons elsewhere must lower-case explicitly).
func (c Config) Normalize(name string) string {
	trimmed := strings.TrimSuffix(name, ".")
	for _, suffix := range c.TailnetSuffixes {
		if strings.HasSuffix(strings.ToLower(trimmed), strings.ToLower(suffix)) {
			trimmed = trimmed[:len(trimmed)-len(suffix)]
			break
		}
	}
	return trimmed
}

// HostOverride returns an explicit address override for identifier
// from HOST_<NAME>_IP, and whether one was set.
func HostOverride(identifier string) (string, bool) {
	key := "HOST_" + strings.ToUpper(strings.ReplaceAll(identifier, "-", "_")) + "_IP"
	v := os.Getenv(key)
	return v, v != ""
}
