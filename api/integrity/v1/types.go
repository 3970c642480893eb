package integrityv1

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/metadata"

	"gointegrity/pkg/audit"
	"gointegrity/pkg/state"
	"gointegrity/storage"
)

type SelfTestRequest struct{}

type SelfTestResponse struct {
	Resource string `json:"resource"`
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
	// NotWell lists the outstanding not-well reports by key.
	NotWell map[string]string `json:"notWell,omitempty"`
}

type GetStateRequest struct {
	// Resource defaults to the serving resource.
	Resource string `json:"resource,omitempty"`
}

type ApplyActionRequest struct {
	Action string `json:"action"`
}

type StateResponse struct {
	Resource    string      `json:"resource"`
	Domain      string      `json:"domain"`
	State       state.State `json:"state"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

// StateTrailer is the trailer key carrying the committed state of an
// action that was refused after it was persisted.
const StateTrailer = "integrity-state"

// StateTrailerMD encodes resp as a StateTrailer trailer.
func StateTrailerMD(resp *StateResponse) (metadata.MD, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return metadata.Pairs(StateTrailer, string(b)), nil
}

// StateFromTrailer decodes a StateTrailer trailer. It reports false when md
// does not carry one.
func StateFromTrailer(md metadata.MD) (*StateResponse, bool) {
	vals := md.Get(StateTrailer)
	if len(vals) == 0 {
		return nil, false
	}
	var resp StateResponse
	if err := json.Unmarshal([]byte(vals[0]), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

type FetchEntitiesRequest struct {
	Class string `json:"class"`
	// All fetches the whole class; otherwise only Keys are returned.
	All  bool     `json:"all,omitempty"`
	Keys []string `json:"keys,omitempty"`
}

type FetchEntitiesResponse struct {
	Entities map[string][]byte `json:"entities"`
}

type ListDesignationRequest struct {
	// Domain defaults to the serving resource's domain.
	Domain string `json:"domain,omitempty"`
}

type ListDesignationResponse struct {
	Records []storage.DesignationRecord `json:"records"`
}

type ListProgressRequest struct {
	Domain string `json:"domain,omitempty"`
}

type ListProgressResponse struct {
	Records []storage.ProgressRecord `json:"records"`
}

type GetAuditReportRequest struct{}

type GetAuditReportResponse struct {
	Designated bool          `json:"designated"`
	Report     *audit.Report `json:"report,omitempty"`
}
