package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/server/chain"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/server/ipfs"
	"github.com/hrygo/synthr/store"
)

const maxImageSize = 10 << 20

type AgentQuery struct {
	Page
	Query     string `query:"q" validate:"omitempty,max=100"`
	Category  string `query:"category" validate:"omitempty,oneof=analytics content data_processing automation trading creative"`
	Status    string `query:"status" validate:"omitempty,oneof=draft training ready listed delisted sold"`
	OwnerID   int32  `query:"owner_id" validate:"gte=0"`
	CreatorID int32  `query:"creator_id" validate:"gte=0"`
	MinPrice  string `query:"min_price" validate:"omitempty,decimal_nonnegative"`
	MaxPrice  string `query:"max_price" validate:"omitempty,decimal_nonnegative"`
	OrderBy   string `query:"order_by" validate:"omitempty,oneof=created_ts updated_ts price average_rating total_uses name"`
	Order     string `query:"order" validate:"omitempty,oneof=asc desc"`
}

type CreateAgentRequest struct {
	Name              string          `json:"name" validate:"required,min=1,max=100"`
	Description       string          `json:"description" validate:"required,min=10,max=1000"`
	Category          string          `json:"category" validate:"required,oneof=analytics content data_processing automation trading creative"`
	Capabilities      []string        `json:"capabilities" validate:"required,min=1,max=32,dive,required,max=64"`
	RoyaltyPercentage string          `json:"royalty_percentage" validate:"omitempty,decimal_nonnegative"`
	Metadata          json.RawMessage `json:"metadata"`
	ModelParameters   json.RawMessage `json:"model_parameters"`
}

type UpdateAgentRequest struct {
	Name            *string         `json:"name" validate:"omitempty,min=1,max=100"`
	Description     *string         `json:"description" validate:"omitempty,min=10,max=1000"`
	Category        *string         `json:"category" validate:"omitempty,oneof=analytics content data_processing automation trading creative"`
	Price           *string         `json:"price" validate:"omitempty,decimal_nonnegative"`
	Capabilities    []string        `json:"capabilities" validate:"omitempty,min=1,max=32,dive,required,max=64"`
	Metadata        json.RawMessage `json:"metadata"`
	ModelParameters json.RawMessage `json:"model_parameters"`
}

type ListAgentRequest struct {
	Price string `json:"price" validate:"required,decimal_positive"`
}

type PurchaseRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// ListAgents returns agents matching the filters. Without a status filter only
// listed agents are returned.
// GET /api/v1/agents
func (s *APIV1Service) ListAgents(c echo.Context) error {
	var q AgentQuery
	if err := s.bindQuery(c, &q); err != nil {
		return err
	}
	find, err := q.toFind()
	if err != nil {
		return err
	}
	if find.Status == nil && find.OwnerID == nil && find.CreatorID == nil {
		listed := true
		find.IsListed = &listed
	}
	return s.searchAgents(c, find, q.Page)
}

// SearchAgents runs a free-text search over listed agents.
// GET /api/v1/agents/search?q=
func (s *APIV1Service) SearchAgents(c echo.Context) error {
	var q AgentQuery
	if err := s.bindQuery(c, &q); err != nil {
		return err
	}
	if strings.TrimSpace(q.Query) == "" {
		return apierrors.InvalidArgument("q is required").WithDetail("q", "required")
	}
	find, err := q.toFind()
	if err != nil {
		return err
	}
	listed := true
	find.IsListed = &listed
	return s.searchAgents(c, find, q.Page)
}

func (s *APIV1Service) searchAgents(c echo.Context, find *store.FindAgent, page Page) error {
	offset, limit := page.Offset, page.limit()
	find.Offset, find.Limit = &offset, &limit
	agents, err := s.Store.Agents().Search(c.Request().Context(), find)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(agents, page))
}

func (q *AgentQuery) toFind() (*store.FindAgent, error) {
	find := &store.FindAgent{}
	if v := strings.TrimSpace(q.Query); v != "" {
		find.Query = &v
	}
	if q.Category != "" {
		category := store.AgentCategory(q.Category)
		find.Category = &category
	}
	if q.Status != "" {
		status := store.AgentStatus(q.Status)
		find.Status = &status
	}
	if q.OwnerID > 0 {
		find.OwnerID = &q.OwnerID
	}
	if q.CreatorID > 0 {
		find.CreatorID = &q.CreatorID
	}
	if q.MinPrice != "" {
		d, err := parseDecimal("min_price", q.MinPrice)
		if err != nil {
			return nil, err
		}
		find.MinPrice = &d
	}
	if q.MaxPrice != "" {
		d, err := parseDecimal("max_price", q.MaxPrice)
		if err != nil {
			return nil, err
		}
		find.MaxPrice = &d
	}
	if find.MinPrice != nil && find.MaxPrice != nil && find.MinPrice.GreaterThan(*find.MaxPrice) {
		return nil, apierrors.InvalidArgument("min_price is above max_price").WithDetail("min_price", "ltefield=max_price")
	}
	find.OrderBy = store.AgentOrder(q.OrderBy)
	if q.Order != "" {
		desc := q.Order == "desc"
		find.OrderDesc = &desc
	}
	return find, nil
}

// GetAgent returns one agent.
// GET /api/v1/agents/:id
func (s *APIV1Service) GetAgent(c echo.Context) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// GetAgentStats returns the sales and usage aggregates of an agent.
// GET /api/v1/agents/:id/stats
func (s *APIV1Service) GetAgentStats(c echo.Context) error {
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	stats, err := s.Store.Agents().Stats(c.Request().Context(), agent.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// CreateAgent creates a draft agent owned by the signed-in user.
// POST /api/v1/agents
func (s *APIV1Service) CreateAgent(c echo.Context) error {
	var req CreateAgentRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	create := &store.Agent{
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Category:     store.AgentCategory(req.Category),
		Capabilities: req.Capabilities,
	}
	if req.RoyaltyPercentage != "" {
		royalty, err := parseDecimal("royalty_percentage", req.RoyaltyPercentage)
		if err != nil {
			return err
		}
		if royalty.GreaterThan(decimal.NewFromInt(100)) {
			return apierrors.InvalidArgument("royalty_percentage is above 100").WithDetail("royalty_percentage", "lte=100")
		}
		create.RoyaltyPercentage = royalty
	}
	var err error
	if create.Metadata, err = jsonObject("metadata", req.Metadata); err != nil {
		return err
	}
	if create.ModelParameters, err = jsonObject("model_parameters", req.ModelParameters); err != nil {
		return err
	}

	agent, err := s.Store.Agents().CreateWithOwner(c.Request().Context(), create, currentUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, agent)
}

// UpdateAgent edits the descriptive fields of an agent the user owns.
// PATCH /api/v1/agents/:id
func (s *APIV1Service) UpdateAgent(c echo.Context) error {
	var req UpdateAgentRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}

	update := &store.UpdateAgent{Name: req.Name, Description: req.Description}
	if req.Category != nil {
		category := store.AgentCategory(*req.Category)
		update.Category = &category
	}
	if req.Price != nil {
		price, err := parseDecimal("price", *req.Price)
		if err != nil {
			return err
		}
		update.Price = &price
	}
	if req.Capabilities != nil {
		update.Capabilities = &req.Capabilities
	}
	if len(req.Metadata) > 0 {
		v, err := jsonObject("metadata", req.Metadata)
		if err != nil {
			return err
		}
		update.Metadata = &v
	}
	if len(req.ModelParameters) > 0 {
		v, err := jsonObject("model_parameters", req.ModelParameters)
		if err != nil {
			return err
		}
		update.ModelParameters = &v
	}

	updated, err := s.Store.Agents().Update(c.Request().Context(), agent, update)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// DeleteAgent removes an agent that is neither training nor on the market.
// DELETE /api/v1/agents/:id
func (s *APIV1Service) DeleteAgent(c echo.Context) error {
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	switch agent.Status {
	case store.AgentTraining, store.AgentListed:
		return apierrors.Conflict("agent is " + string(agent.Status) + " and cannot be deleted")
	}
	if err := s.Store.Agents().Remove(c.Request().Context(), agent.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListAgentForSale puts an agent on the market.
// POST /api/v1/agents/:id/list
func (s *APIV1Service) ListAgentForSale(c echo.Context) error {
	var req ListAgentRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	price, err := parseDecimal("price", req.Price)
	if err != nil {
		return err
	}
	listed, err := s.Store.Agents().List(c.Request().Context(), agent.ID, price)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listed)
}

// DelistAgent takes an agent off the market.
// POST /api/v1/agents/:id/delist
func (s *APIV1Service) DelistAgent(c echo.Context) error {
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	delisted, err := s.Store.Agents().Delist(c.Request().Context(), agent.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, delisted)
}

// PurchaseAgent records a purchase the buyer submitted on chain. The
// transaction stays pending until chain sync sees its receipt.
// POST /api/v1/agents/:id/purchase
func (s *APIV1Service) PurchaseAgent(c echo.Context) error {
	var req PurchaseRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if !chain.IsValidTxHash(req.TxHash) {
		return apierrors.InvalidArgument("invalid transaction hash").WithDetail("tx_hash", "tx_hash")
	}
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	buyerID := currentUserID(c)
	if agent.Status != store.AgentListed || !agent.Price.Valid {
		return apierrors.Conflict("agent is not for sale")
	}
	if agent.OwnerID == buyerID {
		return apierrors.Conflict("agent is already owned by the buyer")
	}
	// Settlement matches the receipt against the transfer of this token.
	if agent.TokenID == "" {
		return apierrors.Conflict("agent is not minted")
	}

	ctx := c.Request().Context()
	txHash := strings.ToLower(req.TxHash)
	existing, err := s.Store.Transactions().GetByHash(ctx, txHash)
	if err != nil {
		return err
	}
	if existing != nil {
		return apierrors.Conflict("transaction already recorded").WithDetail("tx_hash", txHash)
	}
	tx, err := s.Store.Transactions().CreatePurchase(ctx, agent.ID, buyerID, agent.OwnerID, agent.Price.Decimal, txHash)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, tx)
}

// UploadAgentImage normalizes an image and pins it to IPFS as the agent's
// content hash.
// POST /api/v1/agents/:id/image
func (s *APIV1Service) UploadAgentImage(c echo.Context) error {
	if s.Pinner == nil {
		return apierrors.ServiceUnavailable("image storage is not configured")
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxImageSize)
	header, err := c.FormFile("image")
	if err != nil {
		return apierrors.InvalidArgument("image file is required").WithDetail("image", "required")
	}
	file, err := header.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open uploaded image")
	}
	defer file.Close()

	png, err := ipfs.NormalizeImage(file)
	if err != nil {
		return apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "unsupported image")
	}
	ctx := c.Request().Context()
	pinned, err := s.Pinner.PinFile(ctx, agentImageName(agent), bytes.NewReader(png), map[string]string{
		"agent_id": strconv.Itoa(int(agent.ID)),
	})
	if err != nil {
		return apierrors.Wrap(err, apierrors.ErrCodeServiceUnavailable, "failed to store image")
	}
	updated, err := s.Store.Agents().Update(ctx, agent, &store.UpdateAgent{IPFSHash: &pinned.Hash})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func agentImageName(a *store.Agent) string {
	return "agent-" + strconv.Itoa(int(a.ID)) + ".png"
}

func (s *APIV1Service) loadAgent(c echo.Context) (*store.Agent, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return nil, err
	}
	agent, err := s.Store.Agents().Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, apierrors.NotFound("agent %d not found", id)
	}
	return agent, nil
}

// loadOwnedAgent loads the path agent and requires the signed-in user to own it.
func (s *APIV1Service) loadOwnedAgent(c echo.Context) (*store.Agent, error) {
	agent, err := s.loadAgent(c)
	if err != nil {
		return nil, err
	}
	if agent.OwnerID != currentUserID(c) {
		return nil, apierrors.Forbidden("agent belongs to another user")
	}
	return agent, nil
}

// jsonObject returns raw as text, or "{}" when empty. Anything other than a
// JSON object is rejected.
func jsonObject(field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return "", apierrors.InvalidArgument(field + " must be a JSON object").WithDetail(field, "object")
	}
	return string(raw), nil
}
