package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/synthr/server/chain"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/store"
)

type MintRequest struct {
	TxHash   string `json:"tx_hash" validate:"required"`
	TokenURI string `json:"token_uri" validate:"omitempty,max=512"`
}

// TokenMetadataResponse is the pinned token metadata an owner mints with.
type TokenMetadataResponse struct {
	TokenURI   string `json:"token_uri"`
	IPFSHash   string `json:"ipfs_hash"`
	GatewayURL string `json:"gateway_url"`
}

// TokenMetadata is the ERC-721 metadata document of an agent.
type TokenMetadata struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Image        string           `json:"image"`
	Category     string           `json:"category"`
	Capabilities []string         `json:"capabilities"`
	Attributes   []TokenAttribute `json:"attributes"`
}

type TokenAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// PinAgentMetadata pins the token metadata of an agent to IPFS. The returned
// token URI is what the owner passes to the contract when minting.
// POST /api/v1/agents/:id/metadata
func (s *APIV1Service) PinAgentMetadata(c echo.Context) error {
	if s.Pinner == nil {
		return apierrors.ServiceUnavailable("metadata storage is not configured")
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	model, err := s.Store.AIModels().GetByAgent(ctx, agent.ID)
	if err != nil {
		return err
	}

	pinned, err := s.Pinner.PinJSON(ctx, tokenMetadata(agent, model), "agent-"+strconv.Itoa(int(agent.ID))+".json", map[string]string{
		"agent_id": strconv.Itoa(int(agent.ID)),
	})
	if err != nil {
		return apierrors.Wrap(err, apierrors.ErrCodeServiceUnavailable, "failed to store metadata")
	}
	return c.JSON(http.StatusOK, TokenMetadataResponse{
		TokenURI:   "ipfs://" + pinned.Hash,
		IPFSHash:   pinned.Hash,
		GatewayURL: pinned.GatewayURL,
	})
}

func tokenMetadata(agent *store.Agent, model *store.AIModel) *TokenMetadata {
	meta := &TokenMetadata{
		Name:         agent.Name,
		Description:  agent.Description,
		Category:     string(agent.Category),
		Capabilities: agent.Capabilities,
		Attributes:   []TokenAttribute{{TraitType: "Category", Value: string(agent.Category)}},
	}
	if agent.IPFSHash != "" {
		meta.Image = "ipfs://" + agent.IPFSHash
	}
	if model != nil {
		meta.Attributes = append(meta.Attributes,
			TokenAttribute{TraitType: "Model Type", Value: string(model.ModelType)},
			TokenAttribute{TraitType: "Version", Value: model.Version},
		)
	}
	for _, capability := range agent.Capabilities {
		meta.Attributes = append(meta.Attributes, TokenAttribute{TraitType: "Capability", Value: capability})
	}
	return meta
}

// MintAgent records a mint the owner submitted on chain. Chain sync stores the
// minted token id on the agent once the receipt shows the transfer.
// POST /api/v1/agents/:id/mint
func (s *APIV1Service) MintAgent(c echo.Context) error {
	var req MintRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if !chain.IsValidTxHash(req.TxHash) {
		return apierrors.InvalidArgument("invalid transaction hash").WithDetail("tx_hash", "tx_hash")
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	if agent.TokenID != "" {
		return apierrors.Conflict("agent is already minted").WithDetail("token_id", agent.TokenID)
	}

	ctx := c.Request().Context()
	mint, pending := store.TransactionMint, store.TransactionPending
	inflight, err := s.Store.Transactions().List(ctx, &store.FindTransaction{AgentID: &agent.ID, Type: &mint, Status: &pending})
	if err != nil {
		return err
	}
	if len(inflight) > 0 {
		return apierrors.Conflict("agent has a mint waiting for confirmation").WithDetail("tx_hash", inflight[0].TxHash)
	}
	txHash := strings.ToLower(req.TxHash)
	existing, err := s.Store.Transactions().GetByHash(ctx, txHash)
	if err != nil {
		return err
	}
	if existing != nil {
		return apierrors.Conflict("transaction already recorded").WithDetail("tx_hash", txHash)
	}
	tx, err := s.Store.Transactions().CreateMint(ctx, agent.ID, agent.OwnerID, txHash, req.TokenURI)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, tx)
}
