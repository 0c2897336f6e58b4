package controlapi

import (
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kernel"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/subcluster"
)

// Request/response pairs for the Host API (spec.md section 6), one per
// grpc.ServiceDesc method. Plain structs instead of generated protobuf
// messages; see codec.go for how these travel the wire.

type LaunchSubclusterRequest struct {
	Config subcluster.Config
}

type LaunchSubclusterResponse struct {
	SubclusterID domain.SubclusterID
	Result       domain.CapData
}

type ReloadSubclusterRequest struct {
	SubclusterID domain.SubclusterID
}

type ReloadSubclusterResponse struct {
	Result domain.CapData
}

type TerminateSubclusterRequest struct {
	SubclusterID domain.SubclusterID
}

type GetSubclustersRequest struct{}

type GetSubclustersResponse struct {
	Subclusters []kstore.SubclusterRecord
}

type GetSubclusterVatsRequest struct {
	SubclusterID domain.SubclusterID
}

type GetSubclusterVatsResponse struct {
	Vats []domain.VatID
}

type IsVatInSubclusterRequest struct {
	VatID        domain.VatID
	SubclusterID domain.SubclusterID
}

type IsVatInSubclusterResponse struct {
	InSubcluster bool
}

type QueueMessageRequest struct {
	KRef   domain.KRef
	Method string
	Args   domain.CapData
}

type QueueMessageResponse struct {
	Result domain.CapData
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Status kernel.Status
}

type ReapAllVatsRequest struct{}

type CollectGarbageRequest struct{}

type RestartVatRequest struct {
	VatID domain.VatID
}

type TerminateVatRequest struct {
	VatID domain.VatID
}

type IsRevokedRequest struct {
	KRef domain.KRef
}

type IsRevokedResponse struct {
	Revoked bool
}

type InitRemoteCommsRequest struct {
	SelfSeed string
	Peers    map[domain.PeerID]string
}

type IssueOcapUrlRequest struct {
	KRef domain.KRef
}

type IssueOcapUrlResponse struct {
	URL string
}

type RedeemOcapUrlRequest struct {
	URL string
}

type RedeemOcapUrlResponse struct {
	KRef domain.KRef
}

// Empty is the response for Host API operations that return nothing but
// an error/nil.
type Empty struct{}
