// Package linearapi implements the Linear issue-import client: a thin
// GraphQL client grounded on the teacher's pkg/linear client, scoped
// down to the single lookup-by-identifier query the spec's
// linear.issue-import command needs.
package linearapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentsh/controlplane/internal/ctlerr"
	"github.com/agentsh/controlplane/internal/model"
)

const linearAPIURL = "https://api.linear.app/graphql"

// IssueURL is a parsed Linear issue URL (spec §6 grammar).
type IssueURL struct {
	TeamSlug   string
	Identifier string // normalized uppercase, e.g. ENG-123
}

var issueURLPattern = regexp.MustCompile(`(?i)^https://(?:[a-z0-9-]+\.)?linear\.app/([a-z0-9-]+)/issue/([a-z]+-\d+)/[a-z0-9-]*$`)

// ParseIssueURL implements spec §6's Linear issue URL grammar.
func ParseIssueURL(raw string) (IssueURL, bool) {
	m := issueURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return IssueURL{}, false
	}
	return IssueURL{TeamSlug: m[1], Identifier: strings.ToUpper(m[2])}, true
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// Client is the Linear GraphQL client. APIKey is the secret resolved
// per spec §6's "configured token env var (default LINEAR_API_KEY)".
type Client struct {
	APIKey     string
	httpClient *http.Client
}

func New(apiKey string) *Client {
	return &Client{APIKey: apiKey, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) query(ctx context.Context, query string, variables map[string]any, result any) error {
	if c.APIKey == "" {
		return ctlerr.Validation("linear api key not configured: set LINEAR_API_KEY")
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal linear request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, linearAPIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build linear request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctlerr.External("linear api request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read linear response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ctlerr.Externalf("linear api request failed: %d", resp.StatusCode)
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		return ctlerr.Validation("linear issue response malformed")
	}
	if len(gqlResp.Errors) > 0 {
		return ctlerr.Externalf("linear api error: %s", gqlResp.Errors[0].Message)
	}
	if err := json.Unmarshal(gqlResp.Data, result); err != nil {
		return ctlerr.Validation("linear issue response malformed")
	}
	return nil
}

type issueNode struct {
	ID         string  `json:"id"`
	Identifier string  `json:"identifier"`
	Title      string  `json:"title"`
	Description string `json:"description"`
	Priority   *int    `json:"priority"`
	Estimate   *float64 `json:"estimate"`
	DueDate    *string `json:"dueDate"`
	State      struct {
		Name string `json:"name"`
	} `json:"state"`
	Assignee *struct {
		Name string `json:"name"`
	} `json:"assignee"`
	Team struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"team"`
	Project *struct {
		Name string `json:"name"`
	} `json:"project"`
	Labels struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	} `json:"labels"`
}

type issueByIdentifierResponse struct {
	IssueSearch struct {
		Nodes []issueNode `json:"nodes"`
	} `json:"issueSearch"`
}

// ImportIssue fetches a Linear issue by its URL's identifier and
// returns the model.LinearMetadata along with a title/body suitable
// for task.create (spec §4.2 linear.issue.import).
func (c *Client) ImportIssue(ctx context.Context, issueURL string) (*model.LinearMetadata, string, string, error) {
	parsed, ok := ParseIssueURL(issueURL)
	if !ok {
		return nil, "", "", ctlerr.Validationf("malformed linear issue url: %s", issueURL)
	}

	const query = `
		query($identifier: String!) {
			issueSearch(filter: { number: { eq: $identifier } }) {
				nodes {
					id
					identifier
					title
					description
					priority
					estimate
					dueDate
					state { name }
					assignee { name }
					team { key name }
					project { name }
					labels { nodes { id } }
				}
			}
		}`

	var resp issueByIdentifierResponse
	if err := c.query(ctx, query, map[string]any{"identifier": parsed.Identifier}, &resp); err != nil {
		return nil, "", "", err
	}
	if len(resp.IssueSearch.Nodes) == 0 {
		return nil, "", "", ctlerr.Externalf("linear issue not found: %s", parsed.Identifier)
	}
	n := resp.IssueSearch.Nodes[0]

	labelIDs := make([]string, 0, len(n.Labels.Nodes))
	for _, l := range n.Labels.Nodes {
		labelIDs = append(labelIDs, l.ID)
	}
	assignee := ""
	if n.Assignee != nil {
		assignee = n.Assignee.Name
	}
	project := ""
	if n.Project != nil {
		project = n.Project.Name
	}

	meta := &model.LinearMetadata{
		IssueID:    n.ID,
		Identifier: n.Identifier,
		Team:       n.Team.Key,
		Project:    project,
		State:      n.State.Name,
		Assignee:   assignee,
		Priority:   n.Priority,
		Estimate:   n.Estimate,
		DueDate:    n.DueDate,
		LabelIDs:   labelIDs,
	}
	return meta, n.Title, n.Description, nil
}
