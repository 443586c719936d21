//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Principals whose presence in an ACL means any local account can read the file.
var broadPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
}

// checkFilePermissions warns when the config file's ACL grants a broad
// principal access. A missing icacls is not reported.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}

	acl := strings.ToLower(string(out))
	for _, p := range broadPrincipals {
		if !strings.Contains(acl, p) {
			continue
		}
		return fmt.Sprintf(
			"WARNING: %s grants access to %q\n"+
				"         It holds the database password and the Slack webhook URL.\n"+
				"         Restrict it in PowerShell with:\n"+
				"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
			path, p, path,
		)
	}
	return ""
}
