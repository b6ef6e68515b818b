package metrics

// Dimension carries contextual labels for a metric, such as the channel id
// a voice frame was relayed in or the reason a login was refused.
type Dimension map[string]string

// Group names a related family of metrics. The server reports under a small
// fixed set of groups so dashboards can be laid out per concern.
const (
	GroupTransport = "transport"
	GroupSession   = "session"
	GroupAudio     = "audio"
	GroupProvider  = "provider"
)
