package internal

const (
	HeaderUserID   = "user_id"
	HeaderDeviceID = "device_id"
	HeaderKind     = "kind"
	HeaderServerID = "server_id"
)

// PushQueueNamePrefix prefixes the logical per-instance delivery channel
// name. Each gateway instance subscribes only to its own channel.
const PushQueueNamePrefix = "chat.ws.push."

// PushQueueName returns the logical channel name carrying delivery
// envelopes addressed to the given server instance.
func PushQueueName(serverID string) string {
	return PushQueueNamePrefix + serverID
}
