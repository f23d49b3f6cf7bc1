// Package broadcast implements the Peer Broadcaster (spec.md §4.3): a
// best-effort HTTP fan-out of a ConsensusMessage to every peer but self.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/consensus"
)

// DefaultTimeout bounds a single peer POST. A slow or unreachable peer
// never holds up the others: each delivery runs in its own goroutine.
const DefaultTimeout = 2 * time.Second

// HTTPBroadcaster is the consensus.Broadcaster implementation used by the
// running replica. It never retries a failed delivery: a peer that missed
// a message will catch up on the next one that crosses its own quorum, or
// is simply left behind, matching spec.md's Non-goals (no checkpointing,
// no recovery protocol).
type HTTPBroadcaster struct {
	Client  *http.Client
	Logger  *zap.SugaredLogger
	Timeout time.Duration
}

// New returns an HTTPBroadcaster with sane defaults.
func New(logger *zap.SugaredLogger) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		Client:  &http.Client{Timeout: DefaultTimeout},
		Logger:  logger,
		Timeout: DefaultTimeout,
	}
}

// Broadcast posts msg to every peer's /msg endpoint except self, in
// parallel, and reports how many deliveries were attempted, how many
// received a 2xx response, and how many never got an HTTP response at all
// (transport failures: dial errors, timeouts, context cancellation). A
// peer that responds with a non-2xx status is attempted-but-not-succeeded,
// never a transport failure — spec.md §6 surfaces peer-side 5xx only
// through Succeeded. Broadcast never blocks past Timeout per peer and
// never returns an error: a broadcast failure is observability, not a
// protocol fault, per spec.md §7's error-handling table.
func (b *HTTPBroadcaster) Broadcast(ctx context.Context, self cluster.NodeID, peers []cluster.NodeAddress, msg consensus.Message) consensus.BroadcastResult {
	body, err := json.Marshal(msg)
	if err != nil {
		if b.Logger != nil {
			b.Logger.Errorw("broadcast_marshal_failed", "err", err, "kind", msg.Kind)
		}
		return consensus.BroadcastResult{}
	}

	type result struct{ ok, transportFailed bool }
	targets := make([]cluster.NodeAddress, 0, len(peers))
	for _, p := range peers {
		if p.ID != self {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return consensus.BroadcastResult{}
	}

	results := make(chan result, len(targets))
	for _, p := range targets {
		p := p
		go func() {
			ok, transportFailed := b.post(ctx, p, body, msg.Kind)
			results <- result{ok: ok, transportFailed: transportFailed}
		}()
	}
	res := consensus.BroadcastResult{Attempted: len(targets)}
	for range targets {
		r := <-results
		if r.ok {
			res.Succeeded++
		}
		if r.transportFailed {
			res.TransportFailed++
		}
	}
	return res
}

// post delivers one message to one peer. ok reports a 2xx response.
// transportFailed reports that no HTTP response was ever received
// (request construction, dial, or timeout failure) as distinct from a
// peer that responded with a non-2xx status.
func (b *HTTPBroadcaster) post(ctx context.Context, peer cluster.NodeAddress, body []byte, kind consensus.Kind) (ok, transportFailed bool) {
	reqCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	url := peer.URL() + "/msg"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.logFailure(peer, kind, err)
		return false, true
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		b.logFailure(peer, kind, err)
		return false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logFailure(peer, kind, nil, resp.StatusCode)
		return false, false
	}
	return true, false
}

func (b *HTTPBroadcaster) logFailure(peer cluster.NodeAddress, kind consensus.Kind, err error, status ...int) {
	if b.Logger == nil {
		return
	}
	fields := []interface{}{"peer", peer.ID, "kind", kind}
	if err != nil {
		fields = append(fields, "err", err)
	}
	if len(status) > 0 {
		fields = append(fields, "status", status[0])
	}
	b.Logger.Warnw("broadcast_delivery_failed", fields...)
}
