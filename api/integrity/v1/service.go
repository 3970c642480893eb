package integrityv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "integrity.v1.Integrity"

const (
	Integrity_SelfTest_FullMethodName        = "/integrity.v1.Integrity/SelfTest"
	Integrity_GetState_FullMethodName        = "/integrity.v1.Integrity/GetState"
	Integrity_ApplyAction_FullMethodName     = "/integrity.v1.Integrity/ApplyAction"
	Integrity_FetchEntities_FullMethodName   = "/integrity.v1.Integrity/FetchEntities"
	Integrity_ListDesignation_FullMethodName = "/integrity.v1.Integrity/ListDesignation"
	Integrity_ListProgress_FullMethodName    = "/integrity.v1.Integrity/ListProgress"
	Integrity_GetAuditReport_FullMethodName  = "/integrity.v1.Integrity/GetAuditReport"
)

// IntegrityServer is the server API for the Integrity service.
type IntegrityServer interface {
	SelfTest(context.Context, *SelfTestRequest) (*SelfTestResponse, error)
	GetState(context.Context, *GetStateRequest) (*StateResponse, error)
	ApplyAction(context.Context, *ApplyActionRequest) (*StateResponse, error)
	FetchEntities(context.Context, *FetchEntitiesRequest) (*FetchEntitiesResponse, error)
	ListDesignation(context.Context, *ListDesignationRequest) (*ListDesignationResponse, error)
	ListProgress(context.Context, *ListProgressRequest) (*ListProgressResponse, error)
	GetAuditReport(context.Context, *GetAuditReportRequest) (*GetAuditReportResponse, error)
}

// UnimplementedIntegrityServer can be embedded to have forward compatible
// implementations.
type UnimplementedIntegrityServer struct{}

func (UnimplementedIntegrityServer) SelfTest(context.Context, *SelfTestRequest) (*SelfTestResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SelfTest not implemented")
}
func (UnimplementedIntegrityServer) GetState(context.Context, *GetStateRequest) (*StateResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetState not implemented")
}
func (UnimplementedIntegrityServer) ApplyAction(context.Context, *ApplyActionRequest) (*StateResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ApplyAction not implemented")
}
func (UnimplementedIntegrityServer) FetchEntities(context.Context, *FetchEntitiesRequest) (*FetchEntitiesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method FetchEntities not implemented")
}
func (UnimplementedIntegrityServer) ListDesignation(context.Context, *ListDesignationRequest) (*ListDesignationResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListDesignation not implemented")
}
func (UnimplementedIntegrityServer) ListProgress(context.Context, *ListProgressRequest) (*ListProgressResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListProgress not implemented")
}
func (UnimplementedIntegrityServer) GetAuditReport(context.Context, *GetAuditReportRequest) (*GetAuditReportResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetAuditReport not implemented")
}

// RegisterIntegrityServer registers srv on s.
func RegisterIntegrityServer(s grpc.ServiceRegistrar, srv IntegrityServer) {
	s.RegisterService(&Integrity_ServiceDesc, srv)
}

type handlerFunc = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

// unary builds the method handler for one request/response pair.
func unary[Req, Resp any](fullMethod string, call func(IntegrityServer, context.Context, *Req) (*Resp, error)) handlerFunc {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IntegrityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(IntegrityServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Integrity_ServiceDesc is the grpc.ServiceDesc for the Integrity service.
var Integrity_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntegrityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SelfTest", Handler: unary(Integrity_SelfTest_FullMethodName, IntegrityServer.SelfTest)},
		{MethodName: "GetState", Handler: unary(Integrity_GetState_FullMethodName, IntegrityServer.GetState)},
		{MethodName: "ApplyAction", Handler: unary(Integrity_ApplyAction_FullMethodName, IntegrityServer.ApplyAction)},
		{MethodName: "FetchEntities", Handler: unary(Integrity_FetchEntities_FullMethodName, IntegrityServer.FetchEntities)},
		{MethodName: "ListDesignation", Handler: unary(Integrity_ListDesignation_FullMethodName, IntegrityServer.ListDesignation)},
		{MethodName: "ListProgress", Handler: unary(Integrity_ListProgress_FullMethodName, IntegrityServer.ListProgress)},
		{MethodName: "GetAuditReport", Handler: unary(Integrity_GetAuditReport_FullMethodName, IntegrityServer.GetAuditReport)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "integrity/v1/integrity.json",
}

// IntegrityClient is the client API for the Integrity service.
type IntegrityClient interface {
	SelfTest(ctx context.Context, in *SelfTestRequest, opts ...grpc.CallOption) (*SelfTestResponse, error)
	GetState(ctx context.Context, in *GetStateRequest, opts ...grpc.CallOption) (*StateResponse, error)
	ApplyAction(ctx context.Context, in *ApplyActionRequest, opts ...grpc.CallOption) (*StateResponse, error)
	FetchEntities(ctx context.Context, in *FetchEntitiesRequest, opts ...grpc.CallOption) (*FetchEntitiesResponse, error)
	ListDesignation(ctx context.Context, in *ListDesignationRequest, opts ...grpc.CallOption) (*ListDesignationResponse, error)
	ListProgress(ctx context.Context, in *ListProgressRequest, opts ...grpc.CallOption) (*ListProgressResponse, error)
	GetAuditReport(ctx context.Context, in *GetAuditReportRequest, opts ...grpc.CallOption) (*GetAuditReportResponse, error)
}

type integrityClient struct {
	cc grpc.ClientConnInterface
}

// NewIntegrityClient returns a client that sends every call with the JSON
// codec.
func NewIntegrityClient(cc grpc.ClientConnInterface) IntegrityClient {
	return &integrityClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *integrityClient) SelfTest(ctx context.Context, in *SelfTestRequest, opts ...grpc.CallOption) (*SelfTestResponse, error) {
	return invoke[SelfTestResponse](ctx, c.cc, Integrity_SelfTest_FullMethodName, in, opts)
}

func (c *integrityClient) GetState(ctx context.Context, in *GetStateRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c.cc, Integrity_GetState_FullMethodName, in, opts)
}

func (c *integrityClient) ApplyAction(ctx context.Context, in *ApplyActionRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c.cc, Integrity_ApplyAction_FullMethodName, in, opts)
}

func (c *integrityClient) FetchEntities(ctx context.Context, in *FetchEntitiesRequest, opts ...grpc.CallOption) (*FetchEntitiesResponse, error) {
	return invoke[FetchEntitiesResponse](ctx, c.cc, Integrity_FetchEntities_FullMethodName, in, opts)
}

func (c *integrityClient) ListDesignation(ctx context.Context, in *ListDesignationRequest, opts ...grpc.CallOption) (*ListDesignationResponse, error) {
	return invoke[ListDesignationResponse](ctx, c.cc, Integrity_ListDesignation_FullMethodName, in, opts)
}

func (c *integrityClient) ListProgress(ctx context.Context, in *ListProgressRequest, opts ...grpc.CallOption) (*ListProgressResponse, error) {
	return invoke[ListProgressResponse](ctx, c.cc, Integrity_ListProgress_FullMethodName, in, opts)
}

func (c *integrityClient) GetAuditReport(ctx context.Context, in *GetAuditReportRequest, opts ...grpc.CallOption) (*GetAuditReportResponse, error) {
	return invoke[GetAuditReportResponse](ctx, c.cc, Integrity_GetAuditReport_FullMethodName, in, opts)
}
