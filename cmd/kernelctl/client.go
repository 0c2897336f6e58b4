package main

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oriys/vatkernel/internal/controlapi"
)

// client is a hand-written counterpart to the generated stub a real
// protoc-gen-go-grpc client would provide: one method per Host API
// operation, each a plain cc.Invoke call against the method name the
// server's ServiceDesc registers it under.
type client struct {
	cc *grpc.ClientConn
}

func dial(addr string) (*client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &client{cc: cc}, nil
}

func (c *client) Close() error { return c.cc.Close() }

func (c *client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.cc.Invoke(ctx, "/vatkernel.Kernel/"+method, req, resp)
}

func (c *client) LaunchSubcluster(ctx context.Context, req *controlapi.LaunchSubclusterRequest) (*controlapi.LaunchSubclusterResponse, error) {
	resp := new(controlapi.LaunchSubclusterResponse)
	return resp, c.invoke(ctx, "LaunchSubcluster", req, resp)
}

func (c *client) ReloadSubcluster(ctx context.Context, req *controlapi.ReloadSubclusterRequest) (*controlapi.ReloadSubclusterResponse, error) {
	resp := new(controlapi.ReloadSubclusterResponse)
	return resp, c.invoke(ctx, "ReloadSubcluster", req, resp)
}

func (c *client) TerminateSubcluster(ctx context.Context, req *controlapi.TerminateSubclusterRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "TerminateSubcluster", req, resp)
}

func (c *client) GetSubclusters(ctx context.Context, req *controlapi.GetSubclustersRequest) (*controlapi.GetSubclustersResponse, error) {
	resp := new(controlapi.GetSubclustersResponse)
	return resp, c.invoke(ctx, "GetSubclusters", req, resp)
}

func (c *client) GetSubclusterVats(ctx context.Context, req *controlapi.GetSubclusterVatsRequest) (*controlapi.GetSubclusterVatsResponse, error) {
	resp := new(controlapi.GetSubclusterVatsResponse)
	return resp, c.invoke(ctx, "GetSubclusterVats", req, resp)
}

func (c *client) IsVatInSubcluster(ctx context.Context, req *controlapi.IsVatInSubclusterRequest) (*controlapi.IsVatInSubclusterResponse, error) {
	resp := new(controlapi.IsVatInSubclusterResponse)
	return resp, c.invoke(ctx, "IsVatInSubcluster", req, resp)
}

func (c *client) QueueMessage(ctx context.Context, req *controlapi.QueueMessageRequest) (*controlapi.QueueMessageResponse, error) {
	resp := new(controlapi.QueueMessageResponse)
	return resp, c.invoke(ctx, "QueueMessage", req, resp)
}

func (c *client) QueueMessageFromKernel(ctx context.Context, req *controlapi.QueueMessageRequest) (*controlapi.QueueMessageResponse, error) {
	resp := new(controlapi.QueueMessageResponse)
	return resp, c.invoke(ctx, "QueueMessageFromKernel", req, resp)
}

func (c *client) GetStatus(ctx context.Context, req *controlapi.GetStatusRequest) (*controlapi.GetStatusResponse, error) {
	resp := new(controlapi.GetStatusResponse)
	return resp, c.invoke(ctx, "GetStatus", req, resp)
}

func (c *client) ReapAllVats(ctx context.Context, req *controlapi.ReapAllVatsRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "ReapAllVats", req, resp)
}

func (c *client) CollectGarbage(ctx context.Context, req *controlapi.CollectGarbageRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "CollectGarbage", req, resp)
}

func (c *client) RestartVat(ctx context.Context, req *controlapi.RestartVatRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "RestartVat", req, resp)
}

func (c *client) TerminateVat(ctx context.Context, req *controlapi.TerminateVatRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "TerminateVat", req, resp)
}

func (c *client) IsRevoked(ctx context.Context, req *controlapi.IsRevokedRequest) (*controlapi.IsRevokedResponse, error) {
	resp := new(controlapi.IsRevokedResponse)
	return resp, c.invoke(ctx, "IsRevoked", req, resp)
}

func (c *client) InitRemoteComms(ctx context.Context, req *controlapi.InitRemoteCommsRequest) (*controlapi.Empty, error) {
	resp := new(controlapi.Empty)
	return resp, c.invoke(ctx, "InitRemoteComms", req, resp)
}

func (c *client) IssueOcapUrl(ctx context.Context, req *controlapi.IssueOcapUrlRequest) (*controlapi.IssueOcapUrlResponse, error) {
	resp := new(controlapi.IssueOcapUrlResponse)
	return resp, c.invoke(ctx, "IssueOcapUrl", req, resp)
}

func (c *client) RedeemOcapUrl(ctx context.Context, req *controlapi.RedeemOcapUrlRequest) (*controlapi.RedeemOcapUrlResponse, error) {
	resp := new(controlapi.RedeemOcapUrlResponse)
	return resp, c.invoke(ctx, "RedeemOcapUrl", req, resp)
}
