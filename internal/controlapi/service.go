package controlapi

import (
	"context"
	"fmt"
	"net"

	"github.com/oriys/vatkernel/internal/kernel"
	"github.com/oriys/vatkernel/internal/logging"
	"google.golang.org/grpc"
)

// Listener owns the gRPC transport: Start binds a listener and serves the
// hand-written ServiceDesc below, Stop gracefully drains it. Mirrors the
// teacher's grpc.Server Start/Stop shape, minus the HTTP data-plane proxy
// this kernel has no equivalent of.
type Listener struct {
	srv    *Server
	server *grpc.Server
}

// NewListener wraps an already-wired Kernel as a servable gRPC endpoint.
func NewListener(k *kernel.Kernel) *Listener {
	return &Listener{srv: NewServer(k)}
}

// Start binds addr and serves in the background.
func (l *Listener) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlapi: listen: %w", err)
	}
	l.server = grpc.NewServer()
	l.server.RegisterService(&kernelServiceDesc, l.srv)

	logging.Op().Info("control API started", "addr", addr)
	go func() {
		if err := l.server.Serve(lis); err != nil {
			logging.Op().Error("control API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
func (l *Listener) Stop() {
	if l.server != nil {
		l.server.GracefulStop()
	}
}

// kernelServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto describing the Host API: one MethodDesc per
// operation, each decoding into the matching request type via the
// registered jsonCodec and dispatching to the *Server method of the same
// name.
var kernelServiceDesc = grpc.ServiceDesc{
	ServiceName: "vatkernel.Kernel",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LaunchSubcluster", Handler: launchSubclusterHandler},
		{MethodName: "ReloadSubcluster", Handler: reloadSubclusterHandler},
		{MethodName: "TerminateSubcluster", Handler: terminateSubclusterHandler},
		{MethodName: "GetSubclusters", Handler: getSubclustersHandler},
		{MethodName: "GetSubclusterVats", Handler: getSubclusterVatsHandler},
		{MethodName: "IsVatInSubcluster", Handler: isVatInSubclusterHandler},
		{MethodName: "QueueMessage", Handler: queueMessageHandler},
		{MethodName: "QueueMessageFromKernel", Handler: queueMessageFromKernelHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ReapAllVats", Handler: reapAllVatsHandler},
		{MethodName: "CollectGarbage", Handler: collectGarbageHandler},
		{MethodName: "RestartVat", Handler: restartVatHandler},
		{MethodName: "TerminateVat", Handler: terminateVatHandler},
		{MethodName: "IsRevoked", Handler: isRevokedHandler},
		{MethodName: "InitRemoteComms", Handler: initRemoteCommsHandler},
		{MethodName: "IssueOcapUrl", Handler: issueOcapUrlHandler},
		{MethodName: "RedeemOcapUrl", Handler: redeemOcapUrlHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlapi.proto",
}

func launchSubclusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LaunchSubclusterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).LaunchSubcluster(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/LaunchSubcluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).LaunchSubcluster(ctx, req.(*LaunchSubclusterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reloadSubclusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReloadSubclusterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ReloadSubcluster(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/ReloadSubcluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ReloadSubcluster(ctx, req.(*ReloadSubclusterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func terminateSubclusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TerminateSubclusterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).TerminateSubcluster(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/TerminateSubcluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).TerminateSubcluster(ctx, req.(*TerminateSubclusterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSubclustersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetSubclustersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetSubclusters(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/GetSubclusters"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetSubclusters(ctx, req.(*GetSubclustersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSubclusterVatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetSubclusterVatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetSubclusterVats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/GetSubclusterVats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetSubclusterVats(ctx, req.(*GetSubclusterVatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func isVatInSubclusterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IsVatInSubclusterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).IsVatInSubcluster(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/IsVatInSubcluster"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).IsVatInSubcluster(ctx, req.(*IsVatInSubclusterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queueMessageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueueMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).QueueMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/QueueMessage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).QueueMessage(ctx, req.(*QueueMessageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queueMessageFromKernelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueueMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).QueueMessageFromKernel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/QueueMessageFromKernel"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).QueueMessageFromKernel(ctx, req.(*QueueMessageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetStatus(ctx, req.(*GetStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reapAllVatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReapAllVatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ReapAllVats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/ReapAllVats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ReapAllVats(ctx, req.(*ReapAllVatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func collectGarbageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CollectGarbageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).CollectGarbage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/CollectGarbage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).CollectGarbage(ctx, req.(*CollectGarbageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func restartVatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RestartVatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).RestartVat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/RestartVat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).RestartVat(ctx, req.(*RestartVatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func terminateVatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TerminateVatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).TerminateVat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/TerminateVat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).TerminateVat(ctx, req.(*TerminateVatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func isRevokedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IsRevokedRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).IsRevoked(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/IsRevoked"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).IsRevoked(ctx, req.(*IsRevokedRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func initRemoteCommsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InitRemoteCommsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).InitRemoteComms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/InitRemoteComms"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).InitRemoteComms(ctx, req.(*InitRemoteCommsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func issueOcapUrlHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IssueOcapUrlRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).IssueOcapUrl(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/IssueOcapUrl"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).IssueOcapUrl(ctx, req.(*IssueOcapUrlRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func redeemOcapUrlHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RedeemOcapUrlRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).RedeemOcapUrl(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vatkernel.Kernel/RedeemOcapUrl"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).RedeemOcapUrl(ctx, req.(*RedeemOcapUrlRequest))
	}
	return interceptor(ctx, in, info, handler)
}
