package payload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Document is one JSON object stored in a collection.
type Document = map[string]any

const (
	storyBiblesPath   = "/api/story-bibles"
	charactersPath    = "/api/story-bible-characters"
	relationshipsPath = "/api/character-relationships"
	scenesPath        = "/api/story-bible-scenes"
	plotThreadsPath   = "/api/plot-threads"
	outlinesPath      = "/api/story-outlines"
	changesPath       = "/api/story-bible-changes"

	listLimit     = 50
	populateDepth = 2
)

func (c *Client) document(ctx context.Context, method, path string, query url.Values, body any) (Document, error) {
	v, err := c.Request(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return Document{}, nil
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, &Error{Method: method, Path: path, Err: fmt.Errorf("expected a JSON object, got %T", v)}
	}
	return doc, nil
}

func (c *Client) ListStoryBibles(ctx context.Context, projectID string) (Document, error) {
	query := url.Values{}
	query.Set("where[project_id][equals]", projectID)
	query.Set("limit", strconv.Itoa(listLimit))
	return c.document(ctx, http.MethodGet, storyBiblesPath, query, nil)
}

func (c *Client) CreateStoryBible(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, storyBiblesPath, nil, doc)
}

// GetStoryBible fetches one story bible; populate resolves its child
// collections (characters, scenes, plot threads) inline.
func (c *Client) GetStoryBible(ctx context.Context, id string, populate bool) (Document, error) {
	var query url.Values
	if populate {
		query = url.Values{"depth": {strconv.Itoa(populateDepth)}}
	}
	return c.document(ctx, http.MethodGet, storyBiblesPath+"/"+url.PathEscape(id), query, nil)
}

func (c *Client) UpdateStoryBible(ctx context.Context, id string, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPatch, storyBiblesPath+"/"+url.PathEscape(id), nil, doc)
}

func (c *Client) DeleteStoryBible(ctx context.Context, id string) (Document, error) {
	return c.document(ctx, http.MethodDelete, storyBiblesPath+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateCharacter(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, charactersPath, nil, doc)
}

func (c *Client) UpdateCharacter(ctx context.Context, id string, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPatch, charactersPath+"/"+url.PathEscape(id), nil, doc)
}

func (c *Client) DeleteCharacter(ctx context.Context, id string) (Document, error) {
	return c.document(ctx, http.MethodDelete, charactersPath+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateRelationship(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, relationshipsPath, nil, doc)
}

func (c *Client) DeleteRelationship(ctx context.Context, id string) (Document, error) {
	return c.document(ctx, http.MethodDelete, relationshipsPath+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateScene(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, scenesPath, nil, doc)
}

func (c *Client) UpdateScene(ctx context.Context, id string, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPatch, scenesPath+"/"+url.PathEscape(id), nil, doc)
}

func (c *Client) DeleteScene(ctx context.Context, id string) (Document, error) {
	return c.document(ctx, http.MethodDelete, scenesPath+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreatePlotThread(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, plotThreadsPath, nil, doc)
}

func (c *Client) UpdatePlotThread(ctx context.Context, id string, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPatch, plotThreadsPath+"/"+url.PathEscape(id), nil, doc)
}

func (c *Client) DeletePlotThread(ctx context.Context, id string) (Document, error) {
	return c.document(ctx, http.MethodDelete, plotThreadsPath+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CreateStoryOutline(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, outlinesPath, nil, doc)
}

func (c *Client) LogChange(ctx context.Context, doc Document) (Document, error) {
	return c.document(ctx, http.MethodPost, changesPath, nil, doc)
}
