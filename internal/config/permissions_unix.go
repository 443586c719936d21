//go:build unix

package config

import (
	"fmt"
	"os"
	"strings"
)

// checkFilePermissions warns when the config file is open to group or
// other users. The file carries the database password and the Slack webhook.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	var who []string
	if mode&0070 != 0 {
		who = append(who, "group")
	}
	if mode&0007 != 0 {
		who = append(who, "others")
	}
	if len(who) == 0 {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: %s is accessible to %s (mode %04o)\n"+
			"         It holds the database password and the Slack webhook URL.\n"+
			"         Restrict it with: chmod 600 %s\n\n",
		path, strings.Join(who, " and "), mode, path,
	)
}
