package pipeline

import (
	"context"
	"fmt"

	"github.com/JeanSilva08/data-flow-pipeline/kit"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/store"
)

// Requests and responses shared by the HTTP and MCP surfaces.

type collectRequest struct {
	Source string `json:"source"`
}

type aggregateResponse struct {
	Observations int   `json:"observations"`
	Snapshots    int   `json:"snapshots"`
	MediaKit     int   `json:"media_kit"`
	DurationMs   int64 `json:"duration_ms"`
}

type mediaKitRequest struct {
	ArtistID int64 `json:"artist_id"`
}

type runsRequest struct {
	Limit int `json:"limit"`
}

func (p *Pipeline) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(p.logger, name))(e)
}

func (p *Pipeline) collectEndpoint() kit.Endpoint {
	return p.endpoint("collect", func(ctx context.Context, req any) (any, error) {
		r := req.(*collectRequest)
		src, err := metric.ParseSource(r.Source)
		if err != nil {
			return nil, err
		}
		rep, err := p.RunCollection(ctx, src)
		if err != nil && rep.RunID == "" {
			return nil, err
		}
		return rep, nil
	})
}

func (p *Pipeline) aggregateEndpoint() kit.Endpoint {
	return p.endpoint("aggregate", func(ctx context.Context, _ any) (any, error) {
		sum, err := p.RunAggregation(ctx)
		if err != nil {
			return nil, err
		}
		return aggregateResponse{
			Observations: sum.Observations,
			Snapshots:    sum.Snapshots,
			MediaKit:     sum.MediaKit,
			DurationMs:   sum.Duration.Milliseconds(),
		}, nil
	})
}

func (p *Pipeline) mediaKitEndpoint() kit.Endpoint {
	return p.endpoint("media_kit", func(ctx context.Context, req any) (any, error) {
		r := req.(*mediaKitRequest)
		rows, err := p.backend.MediaKit(ctx)
		if err != nil {
			return nil, err
		}
		if r.ArtistID == 0 {
			if rows == nil {
				rows = []metric.MediaKit{}
			}
			return rows, nil
		}
		for _, row := range rows {
			if row.ArtistID == r.ArtistID {
				return []metric.MediaKit{row}, nil
			}
		}
		return nil, fmt.Errorf("media kit for artist %d: %w", r.ArtistID, store.ErrNotFound)
	})
}

func (p *Pipeline) runsEndpoint() kit.Endpoint {
	return p.endpoint("runs", func(ctx context.Context, req any) (any, error) {
		r := req.(*runsRequest)
		runs, err := p.backend.Runs(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		if runs == nil {
			runs = []metric.RunReport{}
		}
		return runs, nil
	})
}
