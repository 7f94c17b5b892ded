package v1

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"

	"github.com/hrygo/synthr/server/ipfs"
	"github.com/hrygo/synthr/store"
)

const (
	maxFeedItems   = 50
	maxTitleLength = 64
)

// GetAgentFeed serves the newest listed agents as RSS.
// GET /api/v1/agents/feed.rss
func (s *APIV1Service) GetAgentFeed(c echo.Context) error {
	listed, limit := true, maxFeedItems
	agents, err := s.Store.Agents().Search(c.Request().Context(), &store.FindAgent{
		IsListed: &listed,
		OrderBy:  store.AgentOrderUpdated,
		Limit:    &limit,
	})
	if err != nil {
		return err
	}

	baseURL := strings.TrimSuffix(s.Profile.InstanceURL, "/")
	if baseURL == "" {
		baseURL = c.Scheme() + "://" + c.Request().Host
	}
	gateway := s.Profile.PinataGatewayURL
	if gateway == "" {
		gateway = ipfs.DefaultGatewayURL
	}
	rss, err := generateAgentFeed(baseURL, gateway, agents)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/rss+xml; charset=utf-8")
	return c.String(http.StatusOK, rss)
}

func generateAgentFeed(baseURL, gateway string, agents []*store.Agent) (string, error) {
	feed := &feeds.Feed{
		Title:       "Synthr marketplace",
		Link:        &feeds.Link{Href: baseURL},
		Description: "AI agents listed for sale",
		Created:     time.Now(),
		Items:       make([]*feeds.Item, 0, len(agents)),
	}
	md := goldmark.New()
	for _, agent := range agents {
		var description bytes.Buffer
		if err := md.Convert([]byte(agent.Description), &description); err != nil {
			return "", errors.Wrapf(err, "failed to render description of agent %d", agent.ID)
		}
		link := fmt.Sprintf("%s/agents/%d", baseURL, agent.ID)
		item := &feeds.Item{
			Id:          link,
			Title:       feedTitle(agent),
			Link:        &feeds.Link{Href: link},
			Description: description.String(),
			Created:     time.Unix(agent.CreatedTs, 0),
			Updated:     time.Unix(agent.UpdatedTs, 0),
		}
		if agent.IPFSHash != "" {
			item.Enclosure = &feeds.Enclosure{Url: strings.TrimRight(gateway, "/") + "/" + agent.IPFSHash, Type: "image/png", Length: "0"}
		}
		feed.Items = append(feed.Items, item)
	}
	return feed.ToRss()
}

func feedTitle(a *store.Agent) string {
	title := a.Name
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength]) + "..."
	}
	if a.Price.Valid {
		title += " (" + a.Price.Decimal.String() + " ETH)"
	}
	return title
}
