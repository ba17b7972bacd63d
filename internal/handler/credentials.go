package handler

import (
	"context"

	"github.com/marcus-qen/lictor/internal/assets"
	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/plan"
)

// CredentialsHandler looks up where an asset's credentials live. The output
// carries the vault path, never the secret value; plans that need the value
// reference the path through a secret input on a later step.
type CredentialsHandler struct {
	assets *assets.Client
}

func NewCredentialsHandler(assetClient *assets.Client) *CredentialsHandler {
	return &CredentialsHandler{assets: assetClient}
}

func (h *CredentialsHandler) Family() plan.Family { return plan.FamilyCredentials }

func (h *CredentialsHandler) Aliases() []string { return []string{"credentials-read"} }

func (h *CredentialsHandler) Resolve(req *Request) error {
	if req.Step.Target == "" {
		return fault.New(fault.Validation, "credentials step needs a target asset")
	}
	if stringInput(req.Inputs, "reason") == "" {
		return fault.New(fault.Validation, "credentials step needs a reason")
	}
	return nil
}

func (h *CredentialsHandler) Invoke(ctx context.Context, req *Request) (*Result, error) {
	asset, err := h.assets.GetAsset(ctx, req.Step.Target)
	if err != nil {
		return nil, err
	}
	creds, err := h.assets.GetAssetCredentials(ctx, asset.ID, stringInput(req.Inputs, "reason"))
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{
		"asset_id":    creds.AssetID,
		"username":    creds.Username,
		"secret_path": creds.SecretPath,
		"method":      creds.Method,
	}}, nil
}

func (h *CredentialsHandler) DescribeError(err error) string {
	switch fault.ClassOf(err) {
	case fault.Permission:
		return "access to the asset credentials was denied"
	case fault.Validation:
		return "the credentials request was incomplete"
	default:
		return "the credentials lookup failed"
	}
}
