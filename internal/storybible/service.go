// Package storybible holds the business rules behind every tool and REST
// endpoint. Each operation fetches the owning story bible, checks the
// caller's project access against it and only then writes or reasons.
package storybible

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/export"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

// Store is the document store surface used by the service.
type Store interface {
	ListStoryBibles(ctx context.Context, projectID string) (map[string]any, error)
	CreateStoryBible(ctx context.Context, doc map[string]any) (map[string]any, error)
	GetStoryBible(ctx context.Context, id string, populate bool) (map[string]any, error)
	UpdateStoryBible(ctx context.Context, id string, doc map[string]any) (map[string]any, error)
	DeleteStoryBible(ctx context.Context, id string) (map[string]any, error)

	CreateCharacter(ctx context.Context, doc map[string]any) (map[string]any, error)
	UpdateCharacter(ctx context.Context, id string, doc map[string]any) (map[string]any, error)
	DeleteCharacter(ctx context.Context, id string) (map[string]any, error)
	CreateRelationship(ctx context.Context, doc map[string]any) (map[string]any, error)
	DeleteRelationship(ctx context.Context, id string) (map[string]any, error)

	CreateScene(ctx context.Context, doc map[string]any) (map[string]any, error)
	UpdateScene(ctx context.Context, id string, doc map[string]any) (map[string]any, error)
	CreatePlotThread(ctx context.Context, doc map[string]any) (map[string]any, error)
	UpdatePlotThread(ctx context.Context, id string, doc map[string]any) (map[string]any, error)
	CreateStoryOutline(ctx context.Context, doc map[string]any) (map[string]any, error)
	LogChange(ctx context.Context, doc map[string]any) (map[string]any, error)
}

// Reasoner runs a named tool on the reasoning service.
type Reasoner interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

type Exporter interface {
	Render(doc map[string]any, format string, sections []string) ([]byte, error)
}

// Remote tool names on the reasoning service.
const (
	ToolValidateConsistency = "validate_story_consistency"
	ToolCharacterArc        = "generate_character_arc"
	ToolSceneTransitions    = "suggest_scene_transitions"
)

type Service struct {
	store    Store
	reasoner Reasoner
	exporter Exporter
}

func NewService(store Store, reasoner Reasoner, exporter Exporter) *Service {
	if exporter == nil {
		exporter = export.Renderer{}
	}
	return &Service{store: store, reasoner: reasoner, exporter: exporter}
}

func (s *Service) ListStoryBibles(ctx context.Context, projectID string, identity auth.Identity) (map[string]any, error) {
	if err := auth.EnsureAccess(projectID, identity); err != nil {
		return nil, err
	}
	return s.store.ListStoryBibles(ctx, projectID)
}

func (s *Service) CreateStoryBible(ctx context.Context, in StoryBibleCreate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := auth.EnsureAccess(in.ProjectID, identity); err != nil {
		return nil, err
	}
	doc := in.document()
	doc["status"] = "draft"
	doc["created_by"] = identity.ID
	return s.store.CreateStoryBible(ctx, doc)
}

// GetStoryBible fetches a story bible and authorizes the caller against
// the project recorded on it.
func (s *Service) GetStoryBible(ctx context.Context, id string, identity auth.Identity, populate bool) (map[string]any, error) {
	if strings.TrimSpace(id) == "" {
		return nil, svcerr.Validation("story_bible_id is required")
	}
	sb, err := s.store.GetStoryBible(ctx, id, populate)
	if err != nil {
		return nil, err
	}
	projectID := ProjectOf(sb)
	if projectID == "" {
		return nil, &svcerr.Error{Kind: svcerr.KindDownstream, Message: fmt.Sprintf("Story bible %s missing project_id", id)}
	}
	if err := auth.EnsureAccess(projectID, identity); err != nil {
		return nil, err
	}
	return sb, nil
}

// owned returns the authorized story bible and the id child documents
// should reference.
func (s *Service) owned(ctx context.Context, id string, identity auth.Identity, populate bool) (map[string]any, string, error) {
	sb, err := s.GetStoryBible(ctx, id, identity, populate)
	if err != nil {
		return nil, "", err
	}
	sbID := refID(sb["id"])
	if sbID == "" {
		sbID = id
	}
	return sb, sbID, nil
}

// child is a collection inlined in a populated story bible.
type child struct {
	field string
	label string
}

var (
	characters  = child{field: "characters", label: "Character"}
	scenes      = child{field: "scenes", label: "Scene"}
	plotThreads = child{field: "plot_threads", label: "Plot thread"}
)

// ownedChild authorizes the story bible and then resolves childID among its
// own children. A child of another story bible is reported as not found, so
// it is never written through a story bible the caller happens to own.
func (s *Service) ownedChild(ctx context.Context, storyBibleID string, c child, childID string, identity auth.Identity) (map[string]any, map[string]any, error) {
	sb, _, err := s.owned(ctx, storyBibleID, identity, true)
	if err != nil {
		return nil, nil, err
	}
	doc := findByID(sb[c.field], childID)
	if doc == nil {
		return nil, nil, svcerr.NotFound("%s %s not found in story bible %s", c.label, childID, storyBibleID)
	}
	return sb, doc, nil
}

func (s *Service) UpdateStoryBible(ctx context.Context, id string, in StoryBibleUpdate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	sb, sbID, err := s.owned(ctx, id, identity, false)
	if err != nil {
		return nil, err
	}
	changes := in.document()
	if len(changes) == 0 {
		return sb, nil
	}
	updated, err := s.store.UpdateStoryBible(ctx, sbID, changes)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.LogChange(ctx, changeEntry(sbID, identity, changes)); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) DeleteStoryBible(ctx context.Context, id string, identity auth.Identity) (map[string]any, error) {
	_, sbID, err := s.owned(ctx, id, identity, false)
	if err != nil {
		return nil, err
	}
	return s.store.DeleteStoryBible(ctx, sbID)
}

// AddCharacter creates the character and then each relationship in order.
// If a relationship fails, everything created so far is deleted in reverse
// order so no half-linked character is left behind.
func (s *Service) AddCharacter(ctx context.Context, in CharacterCreate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	_, sbID, err := s.owned(ctx, in.StoryBibleID, identity, false)
	if err != nil {
		return nil, err
	}

	character, err := s.store.CreateCharacter(ctx, in.document(sbID))
	if err != nil {
		return nil, err
	}
	characterID := refID(character["id"])

	created := make([]string, 0, len(in.Relationships))
	for i, rel := range in.Relationships {
		doc, err := s.store.CreateRelationship(ctx, rel.document(sbID, characterID))
		if err != nil {
			return nil, s.rollbackCharacter(ctx, characterID, created, i, err)
		}
		created = append(created, refID(doc["id"]))
	}
	return character, nil
}

func (s *Service) rollbackCharacter(ctx context.Context, characterID string, relationships []string, failed int, cause error) error {
	var orphans []string
	for i := len(relationships) - 1; i >= 0; i-- {
		id := relationships[i]
		if id == "" {
			continue
		}
		if _, err := s.store.DeleteRelationship(ctx, id); err != nil {
			slog.Error("rollback relationship failed", "relationship", id, "character", characterID, "error", err)
			orphans = append(orphans, "relationship "+id)
		}
	}
	if characterID != "" {
		if _, err := s.store.DeleteCharacter(ctx, characterID); err != nil {
			slog.Error("rollback character failed", "character", characterID, "error", err)
			orphans = append(orphans, "character "+characterID)
		}
	}

	if len(orphans) > 0 {
		return svcerr.Wrap(svcerr.KindDownstream, cause,
			"Failed to create relationship %d for character %s (%v); rollback incomplete, orphaned: %s",
			failed, characterID, cause, strings.Join(orphans, ", "))
	}
	return svcerr.Wrap(svcerr.KindDownstream, cause,
		"Failed to create relationship %d for character %s (%v); character was rolled back",
		failed, characterID, cause)
}

func (s *Service) UpdateCharacter(ctx context.Context, storyBibleID, characterID string, in CharacterUpdate, identity auth.Identity) (map[string]any, error) {
	if strings.TrimSpace(characterID) == "" {
		return nil, svcerr.Validation("character_id is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := s.ownedChild(ctx, storyBibleID, characters, characterID, identity); err != nil {
		return nil, err
	}
	return s.store.UpdateCharacter(ctx, characterID, in.document())
}

func (s *Service) AddScene(ctx context.Context, in SceneCreate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	_, sbID, err := s.owned(ctx, in.StoryBibleID, identity, false)
	if err != nil {
		return nil, err
	}
	return s.store.CreateScene(ctx, in.document(sbID))
}

func (s *Service) UpdateScene(ctx context.Context, storyBibleID, sceneID string, in SceneUpdate, identity auth.Identity) (map[string]any, error) {
	if strings.TrimSpace(sceneID) == "" {
		return nil, svcerr.Validation("scene_id is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := s.ownedChild(ctx, storyBibleID, scenes, sceneID, identity); err != nil {
		return nil, err
	}
	return s.store.UpdateScene(ctx, sceneID, in.document())
}

func (s *Service) CreatePlotThread(ctx context.Context, in PlotThreadCreate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	_, sbID, err := s.owned(ctx, in.StoryBibleID, identity, false)
	if err != nil {
		return nil, err
	}
	return s.store.CreatePlotThread(ctx, in.document(sbID))
}

func (s *Service) UpdatePlotThread(ctx context.Context, storyBibleID, threadID string, in PlotThreadUpdate, identity auth.Identity) (map[string]any, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, svcerr.Validation("thread_id is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := s.ownedChild(ctx, storyBibleID, plotThreads, threadID, identity); err != nil {
		return nil, err
	}
	return s.store.UpdatePlotThread(ctx, threadID, in.document())
}

func (s *Service) CreateStoryOutline(ctx context.Context, in OutlineCreate, identity auth.Identity) (map[string]any, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	_, sbID, err := s.owned(ctx, in.StoryBibleID, identity, false)
	if err != nil {
		return nil, err
	}
	return s.store.CreateStoryOutline(ctx, in.document(sbID))
}

func (s *Service) ValidateStoryConsistency(ctx context.Context, storyBibleID string, identity auth.Identity) (any, error) {
	sb, _, err := s.owned(ctx, storyBibleID, identity, true)
	if err != nil {
		return nil, err
	}
	return s.reasoner.Invoke(ctx, ToolValidateConsistency, map[string]any{"story_bible": sb})
}

// GenerateCharacterArc asks for an arc for one character of the story
// bible. storyContext replaces the full story bible as context when set.
func (s *Service) GenerateCharacterArc(ctx context.Context, storyBibleID, characterID string, identity auth.Identity, storyContext string) (any, error) {
	if strings.TrimSpace(characterID) == "" {
		return nil, svcerr.Validation("character_id is required")
	}
	sb, character, err := s.ownedChild(ctx, storyBibleID, characters, characterID, identity)
	if err != nil {
		return nil, err
	}
	var contextArg any = sb
	if strings.TrimSpace(storyContext) != "" {
		contextArg = storyContext
	}
	return s.reasoner.Invoke(ctx, ToolCharacterArc, map[string]any{
		"character":     character,
		"story_context": contextArg,
	})
}

func (s *Service) SuggestSceneTransitions(ctx context.Context, storyBibleID, sceneID string, identity auth.Identity) (any, error) {
	if strings.TrimSpace(sceneID) == "" {
		return nil, svcerr.Validation("scene_id is required")
	}
	sb, scene, err := s.ownedChild(ctx, storyBibleID, scenes, sceneID, identity)
	if err != nil {
		return nil, err
	}
	return s.reasoner.Invoke(ctx, ToolSceneTransitions, map[string]any{
		"scene":       scene,
		"story_bible": sb,
	})
}

// GenerateExport renders the populated story bible. The format is checked
// before anything is fetched.
func (s *Service) GenerateExport(ctx context.Context, storyBibleID string, identity auth.Identity, format string, sections []string) ([]byte, error) {
	if err := export.CheckFormat(format); err != nil {
		return nil, err
	}
	sb, _, err := s.owned(ctx, storyBibleID, identity, true)
	if err != nil {
		return nil, err
	}
	return s.exporter.Render(sb, format, sections)
}

func (s *Service) TrackChange(ctx context.Context, storyBibleID string, identity auth.Identity, changes map[string]any) (map[string]any, error) {
	if len(changes) == 0 {
		return nil, svcerr.Validation("changes must not be empty")
	}
	_, sbID, err := s.owned(ctx, storyBibleID, identity, false)
	if err != nil {
		return nil, err
	}
	return s.store.LogChange(ctx, changeEntry(sbID, identity, changes))
}

func changeEntry(storyBibleID string, identity auth.Identity, changes map[string]any) map[string]any {
	return map[string]any{
		"story_bible": storyBibleID,
		"user":        identity.ID,
		"changes":     changes,
	}
}

// ProjectOf returns the owning project of a story bible document. The
// store returns the relation either as an id or as the populated project.
func ProjectOf(sb map[string]any) string {
	return refID(sb["project_id"])
}

func refID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprint(t)
	case map[string]any:
		return refID(t["id"])
	default:
		return ""
	}
}

func findByID(v any, id string) map[string]any {
	items, _ := v.([]any)
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && refID(m["id"]) == id {
			return m
		}
	}
	return nil
}
