package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "memori.controlplane.v1.ControlPlane"

// ControlPlaneServer is the server API for the ControlPlane service.
type ControlPlaneServer interface {
	SignUp(context.Context, *SignUpRequest) (*SignUpResponse, error)
	GetQuota(context.Context, *QuotaRequest) (*QuotaResponse, error)
	CheckQuota(context.Context, *QuotaRequest) (*QuotaResponse, error)
	CreateCluster(context.Context, *ClusterRequest) (*ClusterResponse, error)
	StartCluster(context.Context, *ClusterRequest) (*ClusterResponse, error)
	StopCluster(context.Context, *ClusterRequest) (*ClusterResponse, error)
	DestroyCluster(context.Context, *ClusterRequest) (*ClusterResponse, error)
	DescribeCluster(context.Context, *ClusterRequest) (*ClusterResponse, error)
}

// ControlPlane_ServiceDesc is the grpc.ServiceDesc for the ControlPlane service.
var ControlPlane_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignUp", Handler: unaryHandler("SignUp", ControlPlaneServer.SignUp)},
		{MethodName: "GetQuota", Handler: unaryHandler("GetQuota", ControlPlaneServer.GetQuota)},
		{MethodName: "CheckQuota", Handler: unaryHandler("CheckQuota", ControlPlaneServer.CheckQuota)},
		{MethodName: "CreateCluster", Handler: unaryHandler("CreateCluster", ControlPlaneServer.CreateCluster)},
		{MethodName: "StartCluster", Handler: unaryHandler("StartCluster", ControlPlaneServer.StartCluster)},
		{MethodName: "StopCluster", Handler: unaryHandler("StopCluster", ControlPlaneServer.StopCluster)},
		{MethodName: "DestroyCluster", Handler: unaryHandler("DestroyCluster", ControlPlaneServer.DestroyCluster)},
		{MethodName: "DescribeCluster", Handler: unaryHandler("DescribeCluster", ControlPlaneServer.DescribeCluster)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memori/controlplane/v1/controlplane.proto",
}

// RegisterControlPlaneServer registers srv on s.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, srv ControlPlaneServer) {
	s.RegisterService(&ControlPlane_ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Req, Resp any](method string, call func(ControlPlaneServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			var r Req
			if err := Decode(req.(*structpb.Struct), &r); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
			}
			resp, err := call(srv.(ControlPlaneServer), ctx, &r)
			if err != nil {
				return nil, err
			}
			out, err := Encode(resp)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "%s: %v", method, err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlPlaneClient is the client API for the ControlPlane service.
type ControlPlaneClient struct {
	cc grpc.ClientConnInterface
}

func NewControlPlaneClient(cc grpc.ClientConnInterface) *ControlPlaneClient {
	return &ControlPlaneClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ControlPlaneClient) SignUp(ctx context.Context, in *SignUpRequest, opts ...grpc.CallOption) (*SignUpResponse, error) {
	return invoke[SignUpRequest, SignUpResponse](ctx, c.cc, "SignUp", in, opts...)
}

func (c *ControlPlaneClient) GetQuota(ctx context.Context, in *QuotaRequest, opts ...grpc.CallOption) (*QuotaResponse, error) {
	return invoke[QuotaRequest, QuotaResponse](ctx, c.cc, "GetQuota", in, opts...)
}

func (c *ControlPlaneClient) CheckQuota(ctx context.Context, in *QuotaRequest, opts ...grpc.CallOption) (*QuotaResponse, error) {
	return invoke[QuotaRequest, QuotaResponse](ctx, c.cc, "CheckQuota", in, opts...)
}

func (c *ControlPlaneClient) CreateCluster(ctx context.Context, in *ClusterRequest, opts ...grpc.CallOption) (*ClusterResponse, error) {
	return invoke[ClusterRequest, ClusterResponse](ctx, c.cc, "CreateCluster", in, opts...)
}

func (c *ControlPlaneClient) StartCluster(ctx context.Context, in *ClusterRequest, opts ...grpc.CallOption) (*ClusterResponse, error) {
	return invoke[ClusterRequest, ClusterResponse](ctx, c.cc, "StartCluster", in, opts...)
}

func (c *ControlPlaneClient) StopCluster(ctx context.Context, in *ClusterRequest, opts ...grpc.CallOption) (*ClusterResponse, error) {
	return invoke[ClusterRequest, ClusterResponse](ctx, c.cc, "StopCluster", in, opts...)
}

func (c *ControlPlaneClient) DestroyCluster(ctx context.Context, in *ClusterRequest, opts ...grpc.CallOption) (*ClusterResponse, error) {
	return invoke[ClusterRequest, ClusterResponse](ctx, c.cc, "DestroyCluster", in, opts...)
}

func (c *ControlPlaneClient) DescribeCluster(ctx context.Context, in *ClusterRequest, opts ...grpc.CallOption) (*ClusterResponse, error) {
	return invoke[ClusterRequest, ClusterResponse](ctx, c.cc, "DescribeCluster", in, opts...)
}
