package graphqlapi

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
)

// CampaignProvider exposes read-only campaign access.
type CampaignProvider interface {
	ListCampaigns(limit int, status store.Status) ([]store.Campaign, error)
	GetCampaign(id string) (*store.Campaign, error)
	Report(id string) (*store.Campaign, *results.Report, error)
}

// HistoryProvider exposes the lifecycle history.
type HistoryProvider interface {
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// Config wires the GraphQL schema.
type Config struct {
	Campaigns CampaignProvider
	History   HistoryProvider
}

// NewHandler returns an http.Handler that serves /graphql requests.
func NewHandler(cfg Config) (http.Handler, error) {
	schema, err := schemaBuilder{cfg: cfg}.buildSchema()
	if err != nil {
		return nil, err
	}

	return handler.New(&handler.Config{
		Schema:   schema,
		Pretty:   true,
		GraphiQL: true,
	}), nil
}

type schemaBuilder struct {
	cfg Config
}

func (b schemaBuilder) buildSchema() (*graphql.Schema, error) {
	jsonScalar := graphql.NewScalar(graphql.ScalarConfig{
		Name: "JSON",
		Serialize: func(value interface{}) interface{} {
			return value
		},
	})

	probeType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ProbeResult",
		Fields: graphql.Fields{
			"id":                {Type: graphql.NewNonNull(graphql.String)},
			"category":          {Type: graphql.String},
			"prompt":            {Type: graphql.String},
			"response":          {Type: graphql.String},
			"status":            {Type: graphql.String},
			"displayConfidence": {Type: graphql.Int},
			"severity":          {Type: graphql.String},
			"riskScore":         {Type: graphql.Int},
			"evidence":          {Type: graphql.String},
			"timestamp":         {Type: graphql.String},
		},
	})

	categoryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "CategoryCounts",
		Fields: graphql.Fields{
			"category": {Type: graphql.NewNonNull(graphql.String)},
			"total":    {Type: graphql.Int},
			"passed":   {Type: graphql.Int},
			"failed":   {Type: graphql.Int},
		},
	})

	summaryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Summary",
		Fields: graphql.Fields{
			"total":            {Type: graphql.Int},
			"passed":           {Type: graphql.Int},
			"failed":           {Type: graphql.Int},
			"byCategory":       {Type: graphql.NewList(categoryType)},
			"bySeverity":       {Type: jsonScalar},
			"averageRiskScore": {Type: graphql.Float},
			"maxRiskScore":     {Type: graphql.Int},
			"conclusion":       {Type: graphql.String},
		},
	})

	campaignType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Campaign",
		Fields: graphql.Fields{
			"id":              {Type: graphql.NewNonNull(graphql.String)},
			"campaignId":      {Type: graphql.String},
			"status":          {Type: graphql.NewNonNull(graphql.String)},
			"target":          {Type: graphql.String},
			"progress":        {Type: graphql.Int},
			"completedProbes": {Type: graphql.Int},
			"totalProbes":     {Type: graphql.Int},
			"categories":      {Type: graphql.NewList(graphql.String)},
			"errorKind":       {Type: graphql.String},
			"error":           {Type: graphql.String},
			"createdAt":       {Type: graphql.String},
			"updatedAt":       {Type: graphql.String},
			"startedAt":       {Type: graphql.String},
			"finishedAt":      {Type: graphql.String},
			"summary": {
				Type: summaryType,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					report, err := b.report(p)
					if err != nil || report == nil {
						return nil, err
					}
					return mapSummary(report.Summary), nil
				},
			},
			"results": {
				Type: graphql.NewList(probeType),
				Args: graphql.FieldConfigArgument{
					"status": {Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					report, err := b.report(p)
					if err != nil || report == nil {
						return []interface{}{}, err
					}
					status, _ := p.Args["status"].(string)
					return mapProbes(report.Results, results.Status(status)), nil
				},
			},
		},
	})

	historyType := graphql.NewObject(graphql.ObjectConfig{
		Name: "HistoryEntry",
		Fields: graphql.Fields{
			"id":         {Type: graphql.String},
			"event":      {Type: graphql.NewNonNull(graphql.String)},
			"campaignId": {Type: graphql.String},
			"metadata":   {Type: jsonScalar},
			"createdAt":  {Type: graphql.String},
		},
	})

	queryFields := graphql.Fields{
		"campaigns": {
			Type: graphql.NewList(campaignType),
			Args: graphql.FieldConfigArgument{
				"limit":  {Type: graphql.Int},
				"status": {Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Campaigns == nil {
					return []interface{}{}, nil
				}
				limit := 25
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				status, _ := p.Args["status"].(string)
				list, err := b.cfg.Campaigns.ListCampaigns(limit, store.Status(status))
				if err != nil {
					return nil, err
				}
				return mapCampaigns(list), nil
			},
		},
		"campaign": {
			Type: campaignType,
			Args: graphql.FieldConfigArgument{
				"id": {Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Campaigns == nil {
					return nil, nil
				}
				id, _ := p.Args["id"].(string)
				c, err := b.cfg.Campaigns.GetCampaign(id)
				if errors.Is(err, store.ErrNotFound) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				return mapCampaign(c), nil
			},
		},
		"history": {
			Type: graphql.NewList(historyType),
			Args: graphql.FieldConfigArgument{
				"limit": {Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.History == nil {
					return []interface{}{}, nil
				}
				limit := 50
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				entries, err := b.cfg.History.ListHistory(limit)
				if err != nil {
					return nil, err
				}
				return mapHistory(entries), nil
			},
		},
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	})
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

// report loads the results of the campaign being resolved. Only completed
// campaigns carry results.
func (b schemaBuilder) report(p graphql.ResolveParams) (*results.Report, error) {
	source, ok := p.Source.(map[string]interface{})
	if !ok || b.cfg.Campaigns == nil {
		return nil, nil
	}
	if source["status"] != string(store.StatusCompleted) {
		return nil, nil
	}
	id, _ := source["id"].(string)
	_, report, err := b.cfg.Campaigns.Report(id)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func mapCampaigns(list []store.Campaign) []interface{} {
	out := make([]interface{}, 0, len(list))
	for i := range list {
		out = append(out, mapCampaign(&list[i]))
	}
	return out
}

func mapCampaign(c *store.Campaign) map[string]interface{} {
	if c == nil {
		return nil
	}
	return map[string]interface{}{
		"id":              c.ID,
		"campaignId":      c.CampaignID,
		"status":          string(c.Status),
		"target":          c.Target,
		"progress":        c.Progress,
		"completedProbes": c.CompletedProbes,
		"totalProbes":     c.TotalProbes,
		"categories":      c.Request.Categories,
		"errorKind":       c.ErrorKind,
		"error":           c.Error,
		"createdAt":       formatTime(&c.CreatedAt),
		"updatedAt":       formatTime(&c.UpdatedAt),
		"startedAt":       formatTime(c.StartedAt),
		"finishedAt":      formatTime(c.FinishedAt),
	}
}

func mapSummary(s results.Summary) map[string]interface{} {
	categories := make([]map[string]interface{}, 0, len(s.ByCategory))
	for name, counts := range s.ByCategory {
		categories = append(categories, map[string]interface{}{
			"category": name,
			"total":    counts.Total,
			"passed":   counts.Passed,
			"failed":   counts.Failed,
		})
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i]["category"].(string) < categories[j]["category"].(string)
	})
	return map[string]interface{}{
		"total":            s.Total,
		"passed":           s.Passed,
		"failed":           s.Failed,
		"byCategory":       categories,
		"bySeverity":       s.BySeverity,
		"averageRiskScore": s.AverageRiskScore,
		"maxRiskScore":     s.MaxRiskScore,
		"conclusion":       s.Conclusion,
	}
}

func mapProbes(probes []results.ProbeResult, status results.Status) []interface{} {
	out := make([]interface{}, 0, len(probes))
	for _, r := range probes {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":                r.ID,
			"category":          r.Category,
			"prompt":            r.Prompt,
			"response":          r.Response,
			"status":            string(r.Status),
			"displayConfidence": r.DisplayConfidence,
			"severity":          string(r.Severity),
			"riskScore":         r.RiskScore,
			"evidence":          r.Evidence,
			"timestamp":         r.Timestamp,
		})
	}
	return out
}

func mapHistory(entries []store.HistoryEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id":         e.ID,
			"event":      e.Event,
			"campaignId": e.CampaignID,
			"metadata":   e.Metadata,
			"createdAt":  formatTime(&e.CreatedAt),
		})
	}
	return out
}

func formatTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
