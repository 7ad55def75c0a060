package inbetweenies

import (
	"context"
	"time"

	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/types"
)

// Server handles sync requests against the authoritative graph. It is
// stateless between requests; per-entity write serialization comes from the
// graph manager's gates, so concurrent requests touching different entities
// apply in parallel.
type Server struct {
	mgr *graph.Manager
	now func() time.Time
}

// NewServer builds a sync server over the authoritative graph manager.
func NewServer(mgr *graph.Manager) *Server {
	return &Server{mgr: mgr, now: time.Now}
}

// HandleSync applies the request's pushed changes, then collects the
// change-log records the client has not seen. Pushed changes are applied
// in request order; the response's changes are in change-log order with the
// requester's own records filtered out.
func (s *Server) HandleSync(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	debug.Logf("sync: node=%s since=%d pushing=%d\n", req.NodeID, req.SinceSequence, len(req.Changes))

	resp := &Response{
		ServerTime: s.now().UTC(),
		Changes:    []*types.ChangeRecord{},
	}
	for _, rec := range req.Changes {
		res, err := s.mgr.ApplyRemote(ctx, rec)
		if err != nil {
			return nil, err
		}
		switch {
		case res.Outcome == graph.OutcomeDuplicate:
			resp.Duplicates++
		case res.Decision != "":
			resp.Conflicts = append(resp.Conflicts, Conflict{
				EntityID:      rec.EntityID,
				LocalVersion:  rec.Version,
				ServerVersion: res.ConflictWith,
				Decision:      string(res.Decision),
			})
		}
	}

	// Records appended by the loop above are included in the scan, so a
	// pushing client sees its cursor advance past its own writes.
	recs, err := s.mgr.Store().ScanChanges(ctx, req.SinceSequence, MaxBatchRecords)
	if err != nil {
		return nil, err
	}
	next := req.SinceSequence
	size := 0
	for _, rec := range recs {
		if rec.OriginNodeID == req.NodeID {
			next = rec.Sequence
			continue
		}
		if size+rec.WireSize() > MaxBatchBytes && len(resp.Changes) > 0 {
			break
		}
		resp.Changes = append(resp.Changes, rec)
		size += rec.WireSize()
		next = rec.Sequence
	}
	resp.NextSequence = next

	last, err := s.mgr.Store().LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	resp.Vector = map[string]int64{s.mgr.NodeID(): last}

	debug.Logf("sync: node=%s returning=%d conflicts=%d next=%d\n",
		req.NodeID, len(resp.Changes), len(resp.Conflicts), next)
	return resp, nil
}
