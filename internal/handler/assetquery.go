package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// AssetQueryHandler answers inventory questions. Every query is forced into
// the execution's tenant regardless of what the plan's filters say.
type AssetQueryHandler struct {
	assets *assets.Client
}

func NewAssetQueryHandler(assetClient *assets.Client) *AssetQueryHandler {
	return &AssetQueryHandler{assets: assetClient}
}

func (h *AssetQueryHandler) Family() plan.Family { return plan.FamilyAssetQuery }

func (h *AssetQueryHandler) Aliases() []string { return []string{"asset-query", "asset-list"} }

func (h *AssetQueryHandler) Resolve(req *Request) error {
	switch mode := stringInput(req.Inputs, "mode"); mode {
	case "", "list", "count":
	default:
		return fault.New(fault.Validation, "asset query mode %q not supported", mode)
	}
	return nil
}

func (h *AssetQueryHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	filters := map[string]string{}
	if raw, ok := req.Inputs["filters"].(map[string]any); ok {
		for k, v := range raw {
			filters[k] = fmt.Sprintf("%v", v)
		}
	}
	// Tenant scoping is not negotiable through plan inputs.
	filters["tenant"] = req.TenantID

	start := time.Now()
	found, err := h.assets.QueryAssets(ctx, filters)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"total_count": len(found),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if stringInput(req.Inputs, "mode") != "count" {
		list := make([]map[string]any, 0, len(found))
		for _, a := range found {
			list = append(list, map[string]any{
				"id":       a.ID,
				"hostname": a.Hostname,
				"ip":       a.IP,
				"os":       a.OS,
				"status":   a.Status,
			})
		}
		out["assets"] = list
	}
	return &Result{Output: out}, nil
}

func (h *AssetQueryHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Timeout:
		return "the inventory did not respond within the budget"
	case fault.Permission:
		return "access to the inventory was denied"
	default:
		return "the inventory query failed"
	}
}
