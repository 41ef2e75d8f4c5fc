package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client dials a peer's rpc.Server and speaks the Coordinator service
// against it. It satisfies pkg/cluster.JoinRPC directly so a joining
// node can hand one straight to (*cluster.Node).Join.
type Client struct {
	cc *grpc.ClientConn
}

// Dial opens a plaintext connection to addr. Production deployments
// expect this seam to sit behind an operator-managed private network,
// the same trust boundary pkg/cluster's Raft transport already assumes.
func Dial(ctx context.Context, addr string) (*Client, error) {
	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{cc: cc}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

// RequestJoin asks the peer at the dialed address to add nodeID/bindAddr
// as a Raft voter, satisfying pkg/cluster.JoinRPC.
func (c *Client) RequestJoin(nodeID, bindAddr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := invoke(ctx, c.cc, "Join", map[string]any{"node_id": nodeID, "bind_addr": bindAddr})
	return err
}

// SubmitIntent forwards kind/target/payload to the peer's intent
// processor and returns the task id it hands back.
func (c *Client) SubmitIntent(ctx context.Context, kind, target string, payload []byte) (string, error) {
	out, err := invoke(ctx, c.cc, "SubmitIntent", map[string]any{
		"kind":    kind,
		"target":  target,
		"payload": string(payload),
	})
	if err != nil {
		return "", err
	}
	taskID, _ := out.AsMap()["task_id"].(string)
	return taskID, nil
}

// ListNodes returns every node record the dialed peer's store knows
// about, each decoded from the wire struct's "nodes" list.
func (c *Client) ListNodes(ctx context.Context) ([]map[string]any, error) {
	out, err := invoke(ctx, c.cc, "ListNodes", nil)
	if err != nil {
		return nil, err
	}
	return asMapSlice(out.AsMap()["nodes"]), nil
}

// ListFaults returns every fault the dialed peer's registry knows about.
func (c *Client) ListFaults(ctx context.Context) ([]map[string]any, error) {
	out, err := invoke(ctx, c.cc, "ListFaults", nil)
	if err != nil {
		return nil, err
	}
	return asMapSlice(out.AsMap()["faults"]), nil
}

func asMapSlice(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
