package controlapi

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kernel"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/subcluster"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := *config.DefaultConfig()
	k := kernel.New(cfg, kstore.NewMemoryStore(), nil, nil)
	return NewServer(k)
}

func TestLaunchSubclusterThenQueueMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	launchResp, err := s.LaunchSubcluster(ctx, &LaunchSubclusterRequest{
		Config: subcluster.Config{
			ID:           "counters",
			BootstrapVat: "main",
			Vats:         []subcluster.VatSpec{{Name: "main", Bundle: "counter"}},
		},
	})
	if err != nil {
		t.Fatalf("launch subcluster: %v", err)
	}
	if launchResp.Result.IsError() {
		t.Fatalf("expected a successful bootstrap, got: %s", launchResp.Result.ErrorMessage())
	}

	root := domain.ObjectKRef(1)
	queueResp, err := s.QueueMessage(ctx, &QueueMessageRequest{KRef: root, Method: "resume"})
	if err != nil {
		t.Fatalf("queue message: %v", err)
	}
	if queueResp.Result.IsError() {
		t.Fatalf("expected a successful resume result, got: %s", queueResp.Result.ErrorMessage())
	}

	statusResp, err := s.GetStatus(ctx, &GetStatusRequest{})
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	found := false
	for _, sc := range statusResp.Status.Subclusters {
		if sc.ID == launchResp.SubclusterID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected subcluster %s in status, got %+v", launchResp.SubclusterID, statusResp.Status.Subclusters)
	}
}

func TestIsRevokedRejectsInvalidReferenceAsInvalidArgument(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, err := s.IsRevoked(ctx, &IsRevokedRequest{KRef: "not-a-kref"})
	if err == nil {
		t.Fatalf("expected an invalid reference error")
	}
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected codes.InvalidArgument, got %v", status.Code(err))
	}
}

func TestTerminateVatUnknownVatIsInternalError(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, err := s.TerminateVat(ctx, &TerminateVatRequest{VatID: "does-not-exist"})
	if err == nil {
		t.Fatalf("expected an error terminating an unknown vat")
	}
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected codes.Internal, got %v", status.Code(err))
	}
}

func TestGetSubclustersEmptyByDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	resp, err := s.GetSubclusters(ctx, &GetSubclustersRequest{})
	if err != nil {
		t.Fatalf("get subclusters: %v", err)
	}
	if len(resp.Subclusters) != 0 {
		t.Fatalf("expected no subclusters, got %+v", resp.Subclusters)
	}
}
