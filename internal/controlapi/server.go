// Package controlapi exposes the Host API (spec.md section 6) as a gRPC
// service, grounded on the teacher's internal/grpc/server.go: a Server
// struct wrapping the thing it delegates to, one method per RPC, metadata
// translated into argument validation up front and plain errors translated
// into grpc status codes at the boundary.
package controlapi

import (
	"context"
	"errors"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kernel"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements every Host API operation over a *kernel.Kernel.
type Server struct {
	k *kernel.Kernel
}

// NewServer wraps an already-wired Kernel.
func NewServer(k *kernel.Kernel) *Server {
	return &Server{k: k}
}

// errStatus maps a Kernel error to a grpc status, distinguishing a
// malformed reference (InvalidArgument) from every other failure
// (Internal) the same way the teacher's server.go distinguishes
// store.ErrInvalidIdempotencyKey from a generic store failure.
func errStatus(err error) error {
	if err == nil {
		return nil
	}
	var invalid *domain.ErrInvalidReference
	if errors.As(err, &invalid) || errors.Is(err, domain.ErrEmptyReference) {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return status.Errorf(codes.Internal, "%v", err)
}

func (s *Server) LaunchSubcluster(ctx context.Context, req *LaunchSubclusterRequest) (*LaunchSubclusterResponse, error) {
	sid, result, err := s.k.LaunchSubcluster(ctx, req.Config)
	if err != nil {
		return nil, errStatus(err)
	}
	return &LaunchSubclusterResponse{SubclusterID: sid, Result: result}, nil
}

func (s *Server) ReloadSubcluster(ctx context.Context, req *ReloadSubclusterRequest) (*ReloadSubclusterResponse, error) {
	result, err := s.k.ReloadSubcluster(ctx, req.SubclusterID)
	if err != nil {
		return nil, errStatus(err)
	}
	return &ReloadSubclusterResponse{Result: result}, nil
}

func (s *Server) TerminateSubcluster(ctx context.Context, req *TerminateSubclusterRequest) (*Empty, error) {
	if err := s.k.TerminateSubcluster(ctx, req.SubclusterID); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetSubclusters(ctx context.Context, req *GetSubclustersRequest) (*GetSubclustersResponse, error) {
	subs, err := s.k.GetSubclusters(ctx)
	if err != nil {
		return nil, errStatus(err)
	}
	return &GetSubclustersResponse{Subclusters: subs}, nil
}

func (s *Server) GetSubclusterVats(ctx context.Context, req *GetSubclusterVatsRequest) (*GetSubclusterVatsResponse, error) {
	vats, err := s.k.GetSubclusterVats(ctx, req.SubclusterID)
	if err != nil {
		return nil, errStatus(err)
	}
	return &GetSubclusterVatsResponse{Vats: vats}, nil
}

func (s *Server) IsVatInSubcluster(ctx context.Context, req *IsVatInSubclusterRequest) (*IsVatInSubclusterResponse, error) {
	in, err := s.k.IsVatInSubcluster(ctx, req.VatID, req.SubclusterID)
	if err != nil {
		return nil, errStatus(err)
	}
	return &IsVatInSubclusterResponse{InSubcluster: in}, nil
}

func (s *Server) QueueMessage(ctx context.Context, req *QueueMessageRequest) (*QueueMessageResponse, error) {
	result, err := s.k.QueueMessage(ctx, req.KRef, req.Method, req.Args)
	if err != nil {
		return nil, errStatus(err)
	}
	return &QueueMessageResponse{Result: result}, nil
}

func (s *Server) QueueMessageFromKernel(ctx context.Context, req *QueueMessageRequest) (*QueueMessageResponse, error) {
	result, err := s.k.QueueMessageFromKernel(ctx, req.KRef, req.Method, req.Args)
	if err != nil {
		return nil, errStatus(err)
	}
	return &QueueMessageResponse{Result: result}, nil
}

func (s *Server) GetStatus(ctx context.Context, req *GetStatusRequest) (*GetStatusResponse, error) {
	st, err := s.k.GetStatus(ctx)
	if err != nil {
		return nil, errStatus(err)
	}
	return &GetStatusResponse{Status: st}, nil
}

func (s *Server) ReapAllVats(ctx context.Context, req *ReapAllVatsRequest) (*Empty, error) {
	if err := s.k.ReapAllVats(ctx); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) CollectGarbage(ctx context.Context, req *CollectGarbageRequest) (*Empty, error) {
	if err := s.k.CollectGarbage(ctx); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) RestartVat(ctx context.Context, req *RestartVatRequest) (*Empty, error) {
	if err := s.k.RestartVat(ctx, req.VatID); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) TerminateVat(ctx context.Context, req *TerminateVatRequest) (*Empty, error) {
	if err := s.k.TerminateVat(ctx, req.VatID); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) IsRevoked(ctx context.Context, req *IsRevokedRequest) (*IsRevokedResponse, error) {
	revoked, err := s.k.IsRevoked(ctx, req.KRef)
	if err != nil {
		return nil, errStatus(err)
	}
	return &IsRevokedResponse{Revoked: revoked}, nil
}

func (s *Server) InitRemoteComms(ctx context.Context, req *InitRemoteCommsRequest) (*Empty, error) {
	if err := s.k.InitRemoteComms(ctx, req.SelfSeed, req.Peers); err != nil {
		return nil, errStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) IssueOcapUrl(ctx context.Context, req *IssueOcapUrlRequest) (*IssueOcapUrlResponse, error) {
	url, err := s.k.IssueOcapUrl(ctx, req.KRef)
	if err != nil {
		return nil, errStatus(err)
	}
	return &IssueOcapUrlResponse{URL: url}, nil
}

func (s *Server) RedeemOcapUrl(ctx context.Context, req *RedeemOcapUrlRequest) (*RedeemOcapUrlResponse, error) {
	kref, err := s.k.RedeemOcapUrl(ctx, req.URL)
	if err != nil {
		return nil, errStatus(err)
	}
	return &RedeemOcapUrlResponse{KRef: kref}, nil
}
