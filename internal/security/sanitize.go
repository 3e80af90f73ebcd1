package security

import (
	"path/filepath"
	"regexp"
	"strings"
)

const minSSHPathParts = 2

var (
	// GitLab personal, project and group access tokens.
	gitlabTokenRegex = regexp.MustCompile(`gl(pat|dt|ft|oas|rt|soat)-[a-zA-Z0-9_-]{6,}`)
	// Credentials embedded in clone URLs: https://oauth2:<token>@host/...
	urlCredentialsRegex = regexp.MustCompile(`(https?://)[^/@\s:]+:[^/@\s]+@`)
	// Token headers as printed by request dumps.
	tokenHeaderRegex = regexp.MustCompile(`(?i)(private-token|authorization|job-token)(["']?\s*[:=]\s*\[?["']?)(bearer\s+)?[a-zA-Z0-9_.+/=-]{6,}`)
)

// SanitizeString removes credentials from s: GitLab tokens, token headers and
// user:password pairs embedded in URLs.
func SanitizeString(s string) string {
	s = urlCredentialsRegex.ReplaceAllString(s, "${1}[redacted]@")
	s = tokenHeaderRegex.ReplaceAllString(s, "${1}${2}[redacted]")
	s = gitlabTokenRegex.ReplaceAllString(s, "[gitlab-token-redacted]")
	return s
}

// MaskSSHKeyPath obfuscates SSH key file paths for safe logging.
//
//	/home/bot/.ssh/id_ed25519 -> ~/.ssh/id_ed25519
func MaskSSHKeyPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.Contains(path, "/.ssh/") {
		parts := strings.Split(path, "/.ssh/")
		if len(parts) >= minSSHPathParts {
			return "~/.ssh/" + filepath.Base(parts[len(parts)-1])
		}
	}

	return filepath.Base(path)
}

// SanitizeMap redacts values whose keys look sensitive and sanitizes the
// remaining string values.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	sensitiveKeys := []string{"token", "password", "secret", "auth", "credential"}

	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(k)
		sensitive := false
		for _, key := range sensitiveKeys {
			if strings.Contains(lowerKey, key) {
				sensitive = true
				break
			}
		}

		switch {
		case sensitive:
			result[k] = maskRedacted
		default:
			if str, ok := v.(string); ok {
				result[k] = SanitizeString(str)
			} else {
				result[k] = v
			}
		}
	}

	return result
}

type sanitizedError struct {
	msg string
	err error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }

// SanitizeError returns err with a sanitized message. The original error is
// kept in the chain for errors.Is and errors.As.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	return &sanitizedError{msg: SanitizeString(err.Error()), err: err}
}
