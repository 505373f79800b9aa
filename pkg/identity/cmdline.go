package identity

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// cmdlinePlatformFlag carries the platform id on the kernel command line.
const cmdlinePlatformFlag = "ignition.platform.id"

// defaultCmdlinePath is the kernel command line of the running system.
const defaultCmdlinePath = "/proc/cmdline"

// ReadPlatformID extracts the platform id from the kernel command line.
func ReadPlatformID() (string, error) {
	return platformIDFromPath(defaultCmdlinePath)
}

func platformIDFromPath(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read cmdline file %q", path)
	}

	platform := findFlagValue(cmdlinePlatformFlag, string(content))
	if platform == "" {
		return "", errors.Errorf("could not find flag %q in %q", cmdlinePlatformFlag, path)
	}
	return platform, nil
}

// findFlagValue scans a cmdline string for a key=value flag. This is not a
// complete cmdline parser: separator quoting, value lists and merging of
// repeated flags are not handled.
func findFlagValue(flag, cmdline string) string {
	for _, token := range strings.Split(cmdline, " ") {
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 || kv[0] != flag {
			continue
		}
		if val := strings.TrimSpace(kv[1]); val != "" {
			return val
		}
	}
	return ""
}
