package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const serverIDSuffixLen = 8

// ServerID derives this instance's fleet-unique identity from hostname,
// gateway port and start time. A short random suffix guards against the
// (unlikely) case of two processes starting on the same host, port and
// millisecond.
func ServerID(gatewayPort int, startedAt time.Time) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "server"
	}

	suffix := uuid.NewString()[:serverIDSuffixLen]
	return fmt.Sprintf("%s_%d_%d_%s", host, gatewayPort, startedAt.UnixMilli(), suffix)
}

// ConnKey is the composite routing key for a device connection.
func ConnKey(userID, deviceID string) string {
	return userID + ":" + deviceID
}
