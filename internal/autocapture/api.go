package autocapture

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// API autocapture 的非輪詢 REST 端點
type API interface {
	Polygons(ctx context.Context) ([]types.Polygon, error)
	UpdatePaths(ctx context.Context, order []string) error
	UpdatePathSettings(ctx context.Context, pathID string, settings types.PathSettings) error
	AbortAutocapture(ctx context.Context) error
}

// RESTAPI 以 action.Client 實作 API
type RESTAPI struct {
	client *action.Client
}

// NewRESTAPI 建立 REST API
func NewRESTAPI(client *action.Client) *RESTAPI {
	return &RESTAPI{client: client}
}

func (a *RESTAPI) Polygons(ctx context.Context) ([]types.Polygon, error) {
	var polygons []types.Polygon
	if err := a.client.Do(ctx, http.MethodGet, "/autocapture/polygons", nil, &polygons); err != nil {
		return nil, err
	}
	return polygons, nil
}

func (a *RESTAPI) UpdatePaths(ctx context.Context, order []string) error {
	body := struct {
		Order []string `json:"order"`
	}{Order: order}
	return a.client.Do(ctx, http.MethodPut, "/autocapture/paths", body, nil)
}

func (a *RESTAPI) UpdatePathSettings(ctx context.Context, pathID string, settings types.PathSettings) error {
	return a.client.Do(ctx, http.MethodPut, "/autocapture/paths/"+url.PathEscape(pathID)+"/settings", settings, nil)
}

func (a *RESTAPI) AbortAutocapture(ctx context.Context) error {
	return a.client.Do(ctx, http.MethodPost, "/autocapture/abort", nil, nil)
}
