package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sgaunet/bullets"
)

// DebugAuth logs how a remote is being authenticated, with every detail
// sanitized first.
func DebugAuth(logger *bullets.Logger, authType string, details map[string]string) {
	if logger == nil {
		return
	}

	raw := make(map[string]any, len(details))
	for k, v := range details {
		raw[k] = v
	}
	sanitized := SanitizeMap(raw)

	keys := make([]string, 0, len(sanitized))
	for k := range sanitized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, sanitized[k]))
	}
	logger.Debug(fmt.Sprintf("Using %s authentication: %s", authType, strings.Join(pairs, " ")))
}

// DebugSSHKey logs SSH key usage with a masked path.
func DebugSSHKey(logger *bullets.Logger, keyFile string) {
	if logger == nil {
		return
	}
	logger.Debug("SSH authentication configured with key: " + MaskSSHKeyPath(keyFile))
}
