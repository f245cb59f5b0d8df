package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// allowedKeys enumerates, per YAML path, the field names Config
// recognizes. yaml.v3 decodes unknown keys into Go structs silently, so
// checkUnknownKeys walks the raw node tree first and fails closed.
var allowedKeys = map[string][]string{
	"":             {"accounts", "challenges", "certificates", "scheduler", "store"},
	"accounts.*":   {"directory", "contact", "key_path"},
	"challenges":   {"http01", "dns01"},
	"challenges.http01": {"challenges_dir", "self_check_urls"},
	"challenges.dns01":  {"providers"},
	"challenges.dns01.providers.*": {"driver", "credentials", "zones"},
	"certificates.*": {"CN", "SAN", "key_type", "challenge", "account", "staging"},
	"scheduler":    {"workers", "renewal_ratio", "backoff_base", "backoff_cap", "concurrent_orders"},
	"store":        {"base_path", "archive_keep"},
}

func checkUnknownKeys(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	return walkMapping(root.Content[0], "")
}

func walkMapping(node *yaml.Node, path string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	allowed, restrict := allowedKeys[path]
	for i := 0; i < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		key := keyNode.Value

		if restrict && !contains(allowed, key) {
			return fmt.Errorf("unknown configuration key %q at %q", key, displayPath(path))
		}

		childPath := childPathFor(path, key)
		if err := walkMapping(valNode, childPath); err != nil {
			return err
		}
		if valNode.Kind == yaml.SequenceNode {
			for _, item := range valNode.Content {
				if err := walkMapping(item, childPath+".*"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// childPathFor resolves the lookup key for a child mapping: wildcard
// entries (accounts.*, certificates.*, ...) apply uniformly to every key
// under a map-of-structs field, so a concrete child path falls back to
// its wildcard form when no exact entry exists.
func childPathFor(parent, key string) string {
	candidate := joinPath(parent, key)
	if _, ok := allowedKeys[candidate]; ok {
		return candidate
	}
	wildcard := joinPath(parent, "*")
	if _, ok := allowedKeys[wildcard]; ok {
		// Only certificates/accounts/providers are genuinely keyed maps;
		// anything else falls through to the literal child path (which,
		// if unrecognized, simply has no restriction and is left alone).
		switch parent {
		case "accounts", "certificates", "challenges.dns01.providers":
			return wildcard
		}
	}
	return candidate
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
