package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// ModelOption is a selectable model and the credential that can reach it.
type ModelOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Token string `json:"-"`
}

type fineTuningJob struct {
	Status             string  `json:"status"`
	FineTunedModel     *string `json:"fine_tuned_model"`
	UserProvidedSuffix string  `json:"user_provided_suffix"`
}

type fineTuningJobsResponse struct {
	Data    []fineTuningJob `json:"data"`
	HasMore bool            `json:"has_more"`
}

// Catalog discovers fine-tuned models reachable with the configured
// credentials.
type Catalog struct {
	baseURL string
	known   map[string]struct{}
	client  *http.Client
}

func NewCatalog(baseURL string, known []string) *Catalog {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	k := make(map[string]struct{}, len(known))
	for _, m := range known {
		k[m] = struct{}{}
	}
	return &Catalog{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		known:   k,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FineTuned lists succeeded fine-tuning jobs for every token. Tokens that
// fail are logged and skipped.
func (c *Catalog) FineTuned(ctx context.Context, tokens []string) []ModelOption {
	var out []ModelOption
	seen := make(map[string]struct{})
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		jobs, err := c.fetchJobs(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch fine-tuned models")
			continue
		}
		for _, job := range jobs {
			if job.Status != "succeeded" || job.FineTunedModel == nil || *job.FineTunedModel == "" {
				continue
			}
			id := *job.FineTunedModel
			if _, ok := c.known[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			label := job.UserProvidedSuffix
			if label == "" {
				label = id
			}
			out = append(out, ModelOption{Label: label, Value: id, Token: token})
		}
	}
	return out
}

func (c *Catalog) fetchJobs(ctx context.Context, token string) ([]fineTuningJob, error) {
	apiURL := fmt.Sprintf("%s/fine_tuning/jobs?limit=100", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fine-tuning API returned status %d: %s", resp.StatusCode, resp.Status)
	}

	var body fineTuningJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse fine-tuning response: %w", err)
	}
	return body.Data, nil
}
