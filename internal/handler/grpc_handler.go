package handler

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/service"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// GovernanceServiceName is the fully-qualified gRPC service name.
const GovernanceServiceName = "npa.governance.v1.GovernanceService"

const errorDomain = "npa-governance"

// GovernanceServer is the gRPC surface. Messages are google.protobuf.Struct
// carrying the same JSON shapes as the REST API.
type GovernanceServer interface {
	Classify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateProposal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProposal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProposals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReclassifyProposal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateBundling(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyBundling(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceStage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompletePIR(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordPerformanceMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordSignoffDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddSignoffComment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSignoffComments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLedger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLoopBacks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveEscalation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunEscalationSweep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBreachAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveBreachAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAuditTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(GovernanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + GovernanceServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GovernanceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GovernanceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GovernanceServiceDesc registers GovernanceServer with a grpc.Server.
var GovernanceServiceDesc = grpc.ServiceDesc{
	ServiceName: GovernanceServiceName,
	HandlerType: (*GovernanceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("Classify", GovernanceServer.Classify),
		methodDesc("CreateProposal", GovernanceServer.CreateProposal),
		methodDesc("GetProposal", GovernanceServer.GetProposal),
		methodDesc("ListProposals", GovernanceServer.ListProposals),
		methodDesc("ReclassifyProposal", GovernanceServer.ReclassifyProposal),
		methodDesc("EvaluateBundling", GovernanceServer.EvaluateBundling),
		methodDesc("ApplyBundling", GovernanceServer.ApplyBundling),
		methodDesc("AdvanceStage", GovernanceServer.AdvanceStage),
		methodDesc("CompletePIR", GovernanceServer.CompletePIR),
		methodDesc("RecordPerformanceMetrics", GovernanceServer.RecordPerformanceMetrics),
		methodDesc("RecordSignoffDecision", GovernanceServer.RecordSignoffDecision),
		methodDesc("AddSignoffComment", GovernanceServer.AddSignoffComment),
		methodDesc("ListSignoffComments", GovernanceServer.ListSignoffComments),
		methodDesc("GetLedger", GovernanceServer.GetLedger),
		methodDesc("ListLoopBacks", GovernanceServer.ListLoopBacks),
		methodDesc("Escalate", GovernanceServer.Escalate),
		methodDesc("ResolveEscalation", GovernanceServer.ResolveEscalation),
		methodDesc("RunEscalationSweep", GovernanceServer.RunEscalationSweep),
		methodDesc("ListBreachAlerts", GovernanceServer.ListBreachAlerts),
		methodDesc("ResolveBreachAlert", GovernanceServer.ResolveBreachAlert),
		methodDesc("GetAuditTrail", GovernanceServer.GetAuditTrail),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "npa/governance/v1/governance.proto",
}

// RegisterGovernanceServer attaches srv to s.
func RegisterGovernanceServer(s grpc.ServiceRegistrar, srv GovernanceServer) {
	s.RegisterService(&GovernanceServiceDesc, srv)
}

// GRPCHandler implements GovernanceServer.
type GRPCHandler struct {
	service *service.GovernanceService
	log     *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.GovernanceService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		log:     log.Component("grpc"),
	}
}

type proposalRef struct {
	ProposalID string `json:"proposal_id"`
}

// ── Classification ────────────────────────────────────────────────────────────

// Classify scores attributes without storing anything.
func (h *GRPCHandler) Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var attrs classification.Attributes
	if err := fromStruct(in, &attrs); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.Classify(ctx, attrs))
}

// CreateProposal classifies and stores a new proposal.
func (h *GRPCHandler) CreateProposal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.CreateProposalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	req.Actor = actorFromContext(ctx)

	h.log.Info().
		Str("title", req.Title).
		Str("actor", req.Actor).
		Msg("gRPC CreateProposal called")
	return h.reply(h.service.CreateProposal(ctx, &req))
}

// ReclassifyProposal rescores a proposal before sign-off.
func (h *GRPCHandler) ReclassifyProposal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ProposalID string                    `json:"proposal_id"`
		Attributes classification.Attributes `json:"attributes"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.ReclassifyProposal(ctx, req.ProposalID, req.Attributes, actorFromContext(ctx)))
}

type bundlingRef struct {
	ProposalID string `json:"proposal_id"`
	ParentID   string `json:"parent_id"`
}

// EvaluateBundling runs the bundling gate without applying it.
func (h *GRPCHandler) EvaluateBundling(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req bundlingRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.EvaluateBundling(ctx, req.ProposalID, req.ParentID))
}

// ApplyBundling applies the bundling gate's recommendation.
func (h *GRPCHandler) ApplyBundling(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req bundlingRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.ApplyBundling(ctx, req.ProposalID, req.ParentID, actorFromContext(ctx)))
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// AdvanceStage moves the proposal one stage forward.
func (h *GRPCHandler) AdvanceStage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposalRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	stage, err := h.service.AdvanceStage(ctx, req.ProposalID, actorFromContext(ctx))
	return h.reply(map[string]interface{}{"stage": stage}, err)
}

// CompletePIR records the post-implementation review.
func (h *GRPCHandler) CompletePIR(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		Summary    string `json:"summary"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.CompletePIR(ctx, req.ProposalID, actorFromContext(ctx), req.Summary))
}

// RecordPerformanceMetrics stores a post-launch observation.
func (h *GRPCHandler) RecordPerformanceMetrics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.RecordMetricsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	req.Actor = actorFromContext(ctx)
	return h.reply(h.service.RecordPerformanceMetrics(ctx, &req))
}

// ── Sign-off ──────────────────────────────────────────────────────────────────

// RecordSignoffDecision applies one party's decision.
func (h *GRPCHandler) RecordSignoffDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.SignoffDecisionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	req.Actor = actorFromContext(ctx)

	h.log.Info().
		Str("proposal_id", req.ProposalID).
		Str("party", req.Party).
		Str("decision", string(req.Decision)).
		Msg("gRPC RecordSignoffDecision called")
	return h.reply(h.service.RecordSignoffDecision(ctx, &req))
}

type commentRef struct {
	ProposalID string `json:"proposal_id"`
	Party      string `json:"party"`
	Body       string `json:"body,omitempty"`
}

// AddSignoffComment appends to a party's thread.
func (h *GRPCHandler) AddSignoffComment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req commentRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.AddSignoffComment(ctx, req.ProposalID, req.Party, actorFromContext(ctx), req.Body))
}

// ListSignoffComments returns one party's thread.
func (h *GRPCHandler) ListSignoffComments(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req commentRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if req.Party == "" {
		return nil, mapErrorToGRPC(errors.InvalidInput("party", "is required"))
	}
	comments, err := h.service.ListSignoffComments(ctx, req.ProposalID, req.Party)
	return h.reply(map[string]interface{}{"comments": nonNil(comments)}, err)
}

// GetLedger returns the proposal's sign-off ledger.
func (h *GRPCHandler) GetLedger(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposalRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.GetLedger(ctx, req.ProposalID))
}

// ListLoopBacks returns the rework cycles.
func (h *GRPCHandler) ListLoopBacks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposalRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	loopBacks, err := h.service.ListLoopBacks(ctx, req.ProposalID)
	return h.reply(map[string]interface{}{"loop_backs": nonNil(loopBacks)}, err)
}

// ── Escalation ────────────────────────────────────────────────────────────────

// Escalate raises a manual escalation.
func (h *GRPCHandler) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.EscalateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	req.Actor = actorFromContext(ctx)
	id, err := h.service.Escalate(ctx, &req)
	return h.reply(map[string]interface{}{"escalation_id": id}, err)
}

// ResolveEscalation closes an escalation.
func (h *GRPCHandler) ResolveEscalation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.ResolveEscalationRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	req.Actor = actorFromContext(ctx)
	stage, err := h.service.ResolveEscalation(ctx, &req)
	return h.reply(map[string]interface{}{"stage": stage}, err)
}

// ── Monitoring ────────────────────────────────────────────────────────────────

// RunEscalationSweep runs the sweep now.
func (h *GRPCHandler) RunEscalationSweep(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return h.reply(h.service.RunEscalationSweep(ctx), nil)
}

// ListBreachAlerts filters by proposal_id, status and limit.
func (h *GRPCHandler) ListBreachAlerts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		Status     string `json:"status"`
		Limit      int    `json:"limit"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	alerts, err := h.service.ListBreachAlerts(ctx, repository.AlertFilter{
		ProposalID: req.ProposalID,
		Status:     model.AlertStatus(strings.ToUpper(req.Status)),
		Limit:      req.Limit,
	})
	return h.reply(map[string]interface{}{"alerts": nonNil(alerts)}, err)
}

// ResolveBreachAlert closes an alert.
func (h *GRPCHandler) ResolveBreachAlert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AlertID string `json:"alert_id"`
		Note    string `json:"note"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.ResolveBreachAlert(ctx, req.AlertID, actorFromContext(ctx), req.Note))
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetProposal returns the proposal with its scorecard and escalations.
func (h *GRPCHandler) GetProposal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposalRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.reply(h.service.GetProposal(ctx, req.ProposalID))
}

// ListProposals filters by stage and status.
func (h *GRPCHandler) ListProposals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Stage  string `json:"stage"`
		Status string `json:"status"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	proposals, err := h.service.ListProposals(ctx, repository.ProposalFilter{
		Stage:  model.Stage(strings.ToUpper(req.Stage)),
		Status: model.Status(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	return h.reply(map[string]interface{}{
		"proposals": nonNil(proposals),
		"offset":    req.Offset,
	}, err)
}

// GetAuditTrail returns the proposal's audit entries.
func (h *GRPCHandler) GetAuditTrail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposalRef
	if err := fromStruct(in, &req); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	entries, err := h.service.GetAuditTrail(ctx, req.ProposalID)
	return h.reply(map[string]interface{}{"entries": nonNil(entries)}, err)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *GRPCHandler) reply(v interface{}, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.log.Error().Err(err).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	out, err := toStruct(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// mapErrorToGRPC maps an error code to a gRPC status. The code and any guard
// travel in an ErrorInfo detail.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)

	var grpcCode codes.Code
	msg := err.Error()
	switch code {
	case errors.ErrCodeInvalidInput:
		grpcCode = codes.InvalidArgument
	case errors.ErrCodeNotFound:
		grpcCode = codes.NotFound
	case errors.ErrCodeConflict:
		grpcCode = codes.AlreadyExists
	case errors.ErrCodeConcurrency:
		grpcCode = codes.Aborted
	case errors.ErrCodeStateTransition:
		grpcCode = codes.FailedPrecondition
	case errors.ErrCodeUnauthorized:
		grpcCode = codes.Unauthenticated
	case errors.ErrCodeExternalDependency:
		grpcCode = codes.Unavailable
	default:
		grpcCode = codes.Internal
		msg = "internal error"
	}

	info := &errdetails.ErrorInfo{Reason: string(code), Domain: errorDomain}
	var ste *workflow.StateTransitionError
	if errors.As(err, &ste) {
		info.Metadata = map[string]string{
			"guard": ste.Guard,
			"from":  string(ste.From),
		}
	}

	st, detailErr := status.New(grpcCode, msg).WithDetails(info)
	if detailErr != nil {
		return status.Error(grpcCode, msg)
	}
	return st.Err()
}
