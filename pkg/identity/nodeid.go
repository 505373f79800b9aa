package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// machineIDPath is the systemd machine identifier.
const machineIDPath = "/etc/machine-id"

// appID is the fixed application identifier mixed into the machine id, so
// the node id shared with remote services cannot be mapped back to the raw
// machine id (`4f2e5f3b40d24dbdbcfd8ad4b3e25ede`).
var appID = []byte{
	0x4f, 0x2e, 0x5f, 0x3b, 0x40, 0xd2, 0x4d, 0xbd, 0xbc, 0xfd, 0x8a, 0xd4, 0xb3, 0xe2, 0x5e, 0xde,
}

func defaultNodeID() (string, error) {
	return nodeIDFromPath(machineIDPath)
}

func nodeIDFromPath(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read machine id from %q", path)
	}
	machineID, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil || len(machineID) != 16 {
		return "", errors.Errorf("malformed machine id in %q", path)
	}
	return appSpecificID(machineID), nil
}

// appSpecificID derives a keyed application-specific id from the machine
// id, the same construction systemd uses for sd_id128_get_machine_app_specific.
func appSpecificID(machineID []byte) string {
	mac := hmac.New(sha256.New, machineID)
	mac.Write(appID)
	sum := mac.Sum(nil)[:16]

	// Stamp UUID v4 version and variant bits.
	sum[6] = (sum[6] & 0x0f) | 0x40
	sum[8] = (sum[8] & 0x3f) | 0x80

	return hex.EncodeToString(sum)
}

// parseNodeID canonicalizes a configured node UUID override to lower-hex.
func parseNodeID(input string) (string, error) {
	u, err := uuid.Parse(input)
	if err != nil {
		return "", errors.Wrapf(err, "malformed node UUID %q", input)
	}
	return hex.EncodeToString(u[:]), nil
}
