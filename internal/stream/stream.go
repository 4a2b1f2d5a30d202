// Package stream provides subscribable live event streams keyed by URL,
// plus the frame codec shared by every stream implementation.
package stream

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// Dialer opens event-stream subscriptions.
type Dialer interface {
	// Subscribe connects to the stream at url. The returned Subscription
	// delivers frames until Close is called or the stream gives up.
	Subscribe(ctx context.Context, url string) (Subscription, error)
}

// Subscription is one live event stream.
type Subscription interface {
	// URL returns the address the subscription was opened for.
	URL() string

	// Events delivers inbound frames in transport order. The channel is
	// closed after Close returns or when the stream cannot be recovered.
	// No frame is delivered once Close has returned.
	Events() <-chan Frame

	// Close tears the subscription down. It is safe to call more than once.
	Close() error
}

// AgentURL returns the agent-scoped stream address for agentID.
func AgentURL(base string, agentID int64) string {
	return wsURL(base, "agent_id", agentID)
}

// CaseURL returns the case-scoped stream address for caseID.
func CaseURL(base string, caseID int64) string {
	return wsURL(base, "case_id", caseID)
}

func wsURL(base, key string, id int64) string {
	q := url.Values{}
	q.Set(key, strconv.FormatInt(id, 10))
	return strings.TrimRight(base, "/") + "/ws?" + q.Encode()
}
