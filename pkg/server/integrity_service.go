package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	integrityv1 "gointegrity/api/integrity/v1"
	"gointegrity/pkg/audit"
	"gointegrity/pkg/cluster"
	"gointegrity/pkg/monitor"
	"gointegrity/pkg/state"
	"gointegrity/pkg/statemgmt"
	"gointegrity/storage"
)

// IntegrityService implements the Integrity gRPC service
type IntegrityService struct {
	integrityv1.UnimplementedIntegrityServer
	manager    *statemgmt.Manager
	monitor    *monitor.Monitor
	store      storage.Store
	designator *audit.Designator
}

// NewIntegrityService creates a new Integrity service
func NewIntegrityService(deps Deps) *IntegrityService {
	return &IntegrityService{
		manager:    deps.Manager,
		monitor:    deps.Monitor,
		store:      deps.Store,
		designator: deps.Designator,
	}
}

// SelfTest runs the local sanity evaluation. An unhealthy resource is a
// successful call with Healthy false.
func (s *IntegrityService) SelfTest(ctx context.Context, req *integrityv1.SelfTestRequest) (*integrityv1.SelfTestResponse, error) {
	resp := &integrityv1.SelfTestResponse{
		Resource: s.manager.ResourceName(),
		Healthy:  true,
		NotWell:  s.monitor.NotWellReports(),
	}
	if err := s.monitor.EvaluateSanity(ctx); err != nil {
		resp.Healthy = false
		resp.Message = err.Error()
	}
	return resp, nil
}

// GetState returns the persisted state of a resource in this domain
func (s *IntegrityService) GetState(ctx context.Context, req *integrityv1.GetStateRequest) (*integrityv1.StateResponse, error) {
	name := req.Resource
	if name == "" {
		name = s.manager.ResourceName()
	}
	return s.stateResponse(ctx, name)
}

// ApplyAction runs an operator action against the serving resource. A
// refused promotion returns FailedPrecondition; the state it committed is
// named in the message and sent in the StateTrailer trailer.
func (s *IntegrityService) ApplyAction(ctx context.Context, req *integrityv1.ApplyActionRequest) (*integrityv1.StateResponse, error) {
	action, err := state.ParseAction(req.Action)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.manager.ApplyOutcome(ctx, action)
	if err != nil {
		return nil, toStatus(err)
	}
	if out.Err != nil {
		md, merr := integrityv1.StateTrailerMD(&integrityv1.StateResponse{
			Resource: s.manager.ResourceName(),
			Domain:   s.manager.Domain(),
			State:    out.State,
		})
		if merr == nil {
			_ = grpc.SetTrailer(ctx, md)
		}
		return nil, status.Errorf(codes.FailedPrecondition, "%v; state is now %s", out.Err, out.State.String())
	}
	return s.stateResponse(ctx, s.manager.ResourceName())
}

// FetchEntities serves audited entities to a peer's replica audit
func (s *IntegrityService) FetchEntities(ctx context.Context, req *integrityv1.FetchEntitiesRequest) (*integrityv1.FetchEntitiesResponse, error) {
	if req.Class == "" {
		return nil, status.Error(codes.InvalidArgument, "class cannot be empty")
	}
	var (
		entities map[string][]byte
		err      error
	)
	if req.All {
		entities, err = s.store.FindAuditedEntities(ctx, req.Class)
	} else {
		entities, err = s.store.FindAuditedEntitiesByKeys(ctx, req.Class, req.Keys)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &integrityv1.FetchEntitiesResponse{Entities: entities}, nil
}

// ListDesignation returns the designation records of a domain
func (s *IntegrityService) ListDesignation(ctx context.Context, req *integrityv1.ListDesignationRequest) (*integrityv1.ListDesignationResponse, error) {
	recs, err := s.store.ListDesignation(ctx, s.domain(req.Domain))
	if err != nil {
		return nil, toStatus(err)
	}
	return &integrityv1.ListDesignationResponse{Records: recs}, nil
}

// ListProgress returns the forward-progress records of a domain
func (s *IntegrityService) ListProgress(ctx context.Context, req *integrityv1.ListProgressRequest) (*integrityv1.ListProgressResponse, error) {
	recs, err := s.store.ListProgress(ctx, s.domain(req.Domain))
	if err != nil {
		return nil, toStatus(err)
	}
	return &integrityv1.ListProgressResponse{Records: recs}, nil
}

// GetAuditReport returns the last replica audit this resource ran
func (s *IntegrityService) GetAuditReport(ctx context.Context, req *integrityv1.GetAuditReportRequest) (*integrityv1.GetAuditReportResponse, error) {
	if s.designator == nil {
		return nil, status.Error(codes.FailedPrecondition, "auditing is disabled on this resource")
	}
	return &integrityv1.GetAuditReportResponse{
		Designated: s.designator.Role() == cluster.RoleDesignated,
		Report:     s.designator.LastReport(),
	}, nil
}

func (s *IntegrityService) domain(requested string) string {
	if requested != "" {
		return requested
	}
	return s.manager.Domain()
}

func (s *IntegrityService) stateResponse(ctx context.Context, name string) (*integrityv1.StateResponse, error) {
	ns, found, err := s.store.FindNodeState(ctx, s.manager.Domain(), name)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "no state recorded for %s", name)
	}
	return &integrityv1.StateResponse{
		Resource:    ns.ResourceName,
		Domain:      ns.Domain,
		State:       ns.State,
		LastUpdated: ns.LastUpdated,
	}, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var sse *state.StandbyStatusError
	var sme *statemgmt.StateManagementError
	switch {
	case errors.As(err, &sse):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, statemgmt.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, state.ErrStateTransition):
		return status.Error(codes.Internal, err.Error())
	case errors.As(err, &sme):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
	}
}
