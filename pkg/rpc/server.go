package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/intents"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

// ClusterNode is the subset of *pkg/cluster.Node the server needs to
// service a join request.
type ClusterNode interface {
	AddVoter(nodeID, address string) error
}

// Server implements CoordinatorServer on top of a cluster node and an
// intent processor. It owns no transport of its own beyond the
// *grpc.Server it registers against, the same split the teacher's
// pkg/api.Server makes between the gRPC plumbing and the manager it
// defers to.
type Server struct {
	node   ClusterNode
	intake *intents.Processor
	store  *store.Client
	faults *fault.Registry
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer wires node, intake, and a read path for node/fault listing
// into a plaintext gRPC server. The coordination core runs inside an
// operator-controlled cluster network; the out-of-scope public API
// gateway in front of it is responsible for any internet-facing TLS
// termination.
func NewServer(node ClusterNode, intake *intents.Processor, storeClient *store.Client, faults *fault.Registry) *Server {
	s := &Server{node: node, intake: intake, store: storeClient, faults: faults, logger: log.WithComponent("rpc")}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Serve blocks accepting connections on lis until the server is
// stopped or lis closes.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Join handles a peer's request to be added as a Raft voter.
func (s *Server) Join(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	nodeID, _ := fields["node_id"].(string)
	bindAddr, _ := fields["bind_addr"].(string)
	if nodeID == "" || bindAddr == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id and bind_addr are required")
	}

	if err := s.node.AddVoter(nodeID, bindAddr); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("join request failed")
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("peer joined")
	return structpb.NewStruct(nil)
}

// SubmitIntent decodes an intent envelope and forwards it to the
// local intent processor, returning the task id the caller can poll.
func (s *Server) SubmitIntent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	kind, _ := fields["kind"].(string)
	target, _ := fields["target"].(string)
	payloadStr, _ := fields["payload"].(string)
	if kind == "" {
		return nil, status.Error(codes.InvalidArgument, "kind is required")
	}

	var payload json.RawMessage
	if payloadStr != "" {
		payload = json.RawMessage(payloadStr)
	}

	taskID, err := s.intake.Submit(ctx, intents.Intent{Kind: intents.Kind(kind), Target: target, Payload: payload})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("submitting intent: %s", err))
	}
	return structpb.NewStruct(map[string]any{"task_id": taskID})
}

// ListNodes returns every node record the coordination store knows
// about, the read path behind the CLI's "node list".
func (s *Server) ListNodes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recs, err := s.store.List(store.KindNode)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("listing nodes: %s", err))
	}

	nodes := make([]any, 0, len(recs))
	for _, rec := range recs {
		var n types.Node
		if err := json.Unmarshal(rec.Data, &n); err != nil {
			continue
		}
		faults := make([]any, len(n.ActiveFaults))
		for i, f := range n.ActiveFaults {
			faults[i] = f
		}
		nodes = append(nodes, map[string]any{
			"name":          n.Name,
			"role":          string(n.Role),
			"daemon_state":  string(n.DaemonState),
			"health_score":  float64(n.HealthScore),
			"active_faults": faults,
			"keepalive":     n.Keepalive.Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]any{"nodes": nodes})
}

// ListFaults returns every fault currently tracked cluster-wide, the
// read path behind the CLI's "fault list".
func (s *Server) ListFaults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	faults, err := s.faults.List()
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("listing faults: %s", err))
	}

	out := make([]any, len(faults))
	for i, f := range faults {
		out[i] = map[string]any{
			"id":           f.ID,
			"severity":     string(f.Severity),
			"acked":        f.Acked,
			"message":      f.Message,
			"health_delta": float64(f.HealthDelta),
			"last_seen":    f.LastSeen.Format(time.RFC3339),
		}
	}
	return structpb.NewStruct(map[string]any{"faults": out})
}
