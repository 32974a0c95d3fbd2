// Package tools defines the story bible tool catalogue exposed on the
// dispatch channel and over MCP.
package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jomapps/mcp-story-bible-service/internal/export"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/storybible"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

var exportFormats = []string{
	export.FormatMarkdown,
	export.FormatJSON,
	export.FormatPDF,
	export.FormatDOCX,
	export.FormatHTML,
}

// NewRegistry builds a registry holding every story bible tool backed by
// svc. One registry is built per authenticated connection.
func NewRegistry(svc *storybible.Service) *registry.Registry {
	r := registry.New()
	for _, tool := range Definitions(svc) {
		if err := r.Register(tool); err != nil {
			panic(fmt.Sprintf("register %s: %v", tool.Name, err))
		}
	}
	return r
}

func Definitions(svc *storybible.Service) []registry.Tool {
	storyBibleID := registry.Param{Type: registry.TypeString, Description: "Story bible ID", Required: true}
	// Documents created under a story bible also accept the store's own
	// field name for the reference.
	storyBibleRef := storyBibleID
	storyBibleRef.Aliases = []string{"story_bible"}

	return []registry.Tool{
		{
			Name:        "create_story_bible",
			Description: "Create a story bible in a project. It starts in draft status.",
			Parameters: map[string]registry.Param{
				"project_id": {Type: registry.TypeString, Description: "Owning project ID", Required: true},
				"title":      {Type: registry.TypeString, Description: "Title, 1-200 characters", Required: true},
				"genre":      {Type: registry.TypeString, Description: "Genre, 1-100 characters", Required: true},
				"premise":    {Type: registry.TypeString, Description: "Premise, at least 10 characters", Required: true},
				"logline":    {Type: registry.TypeString, Description: "Logline, at most 300 characters"},
				"themes":     {Type: registry.TypeArray, Description: "Themes"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				var in storybible.StoryBibleCreate
				if err := storybible.Decode(args, &in); err != nil {
					return nil, err
				}
				return svc.CreateStoryBible(ctx, in, call.Identity)
			},
		},
		{
			Name:        "update_story_bible",
			Description: "Update story bible fields and record the change.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"data":           {Type: registry.TypeObject, Description: "Fields to update"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				var in storybible.StoryBibleUpdate
				if err := storybible.Decode(optionalObject(args, "data"), &in); err != nil {
					return nil, err
				}
				return svc.UpdateStoryBible(ctx, id, in, call.Identity)
			},
		},
		{
			Name:        "get_story_bible",
			Description: "Fetch a story bible, optionally with its characters, scenes and plot threads.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"populate":       {Type: registry.TypeBoolean, Description: "Inline child collections (default true)"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				populate, err := optionalBool(args, "populate", true)
				if err != nil {
					return nil, err
				}
				return svc.GetStoryBible(ctx, id, call.Identity, populate)
			},
		},
		{
			Name:        "add_character",
			Description: "Add a character and its relationships to a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id":       storyBibleRef,
				"name":                 {Type: registry.TypeString, Description: "Name, 1-120 characters", Required: true},
				"role":                 {Type: registry.TypeString, Required: true, Enum: []string{"protagonist", "antagonist", "supporting", "minor"}},
				"background":           {Type: registry.TypeString, Description: "Background", Required: true},
				"motivation":           {Type: registry.TypeString, Description: "Motivation", Required: true},
				"arc_description":      {Type: registry.TypeString, Description: "Character arc", Required: true},
				"physical_description": {Type: registry.TypeString},
				"personality_traits":   {Type: registry.TypeArray},
				"dialogue_style":       {Type: registry.TypeString},
				"relationships":        {Type: registry.TypeArray, Description: "Relationships to create with the character"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				var in storybible.CharacterCreate
				if err := storybible.Decode(args, &in); err != nil {
					return nil, err
				}
				return svc.AddCharacter(ctx, in, call.Identity)
			},
		},
		{
			Name:        "add_scene",
			Description: "Add a scene to a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id":     storyBibleRef,
				"sequence_number":    {Type: registry.TypeInteger, Description: "Position in the story, from 1", Required: true},
				"title":              {Type: registry.TypeString, Required: true},
				"location":           {Type: registry.TypeString, Required: true},
				"time_of_day":        {Type: registry.TypeString, Required: true, Enum: []string{"dawn", "morning", "afternoon", "evening", "night"}},
				"scene_purpose":      {Type: registry.TypeString, Required: true, Enum: []string{"setup", "conflict", "resolution", "character_development", "plot_advancement"}},
				"description":        {Type: registry.TypeString, Description: "At least 10 characters", Required: true},
				"dialogue_notes":     {Type: registry.TypeString},
				"emotional_beats":    {Type: registry.TypeArray},
				"estimated_duration": {Type: registry.TypeInteger, Description: "Minutes"},
				"characters_present": {Type: registry.TypeArray},
				"plot_threads":       {Type: registry.TypeArray},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				var in storybible.SceneCreate
				if err := storybible.Decode(args, &in); err != nil {
					return nil, err
				}
				return svc.AddScene(ctx, in, call.Identity)
			},
		},
		{
			Name:        "update_scene",
			Description: "Update a scene of a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"scene_id":       {Type: registry.TypeString, Description: "Scene ID", Required: true},
				"data":           {Type: registry.TypeObject, Description: "Fields to update"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				sceneID, _ := requiredString(args, "scene_id")
				var in storybible.SceneUpdate
				if err := storybible.Decode(optionalObject(args, "data"), &in); err != nil {
					return nil, err
				}
				return svc.UpdateScene(ctx, id, sceneID, in, call.Identity)
			},
		},
		{
			Name:        "create_plot_thread",
			Description: "Create a plot thread in a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id":     storyBibleRef,
				"thread_name":        {Type: registry.TypeString, Required: true},
				"thread_type":        {Type: registry.TypeString, Required: true, Enum: []string{"main_plot", "subplot", "character_arc", "theme"}},
				"description":        {Type: registry.TypeString, Required: true},
				"introduction_scene": {Type: registry.TypeString},
				"resolution_scene":   {Type: registry.TypeString},
				"status":             {Type: registry.TypeString, Enum: []string{"active", "resolved", "abandoned"}},
				"key_scenes":         {Type: registry.TypeArray},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				var in storybible.PlotThreadCreate
				if err := storybible.Decode(args, &in); err != nil {
					return nil, err
				}
				return svc.CreatePlotThread(ctx, in, call.Identity)
			},
		},
		{
			Name:        "update_plot_thread",
			Description: "Update a plot thread of a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"thread_id":      {Type: registry.TypeString, Description: "Plot thread ID", Required: true},
				"data":           {Type: registry.TypeObject, Description: "Fields to update"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				threadID, _ := requiredString(args, "thread_id")
				var in storybible.PlotThreadUpdate
				if err := storybible.Decode(optionalObject(args, "data"), &in); err != nil {
					return nil, err
				}
				return svc.UpdatePlotThread(ctx, id, threadID, in, call.Identity)
			},
		},
		{
			Name:        "create_story_outline",
			Description: "Create the outline of a story bible.",
			Parameters: map[string]registry.Param{
				"story_bible_id":    storyBibleRef,
				"act_structure":     {Type: registry.TypeString, Required: true, Enum: []string{"three_act", "five_act", "hero_journey"}},
				"genre_conventions": {Type: registry.TypeArray},
				"plot_points":       {Type: registry.TypeArray},
				"estimated_runtime": {Type: registry.TypeInteger, Description: "Minutes"},
				"target_audience":   {Type: registry.TypeString},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				var in storybible.OutlineCreate
				if err := storybible.Decode(args, &in); err != nil {
					return nil, err
				}
				return svc.CreateStoryOutline(ctx, in, call.Identity)
			},
		},
		{
			Name:        "validate_story_consistency",
			Description: "Ask the reasoning service to check a story bible for continuity problems.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				return svc.ValidateStoryConsistency(ctx, id, call.Identity)
			},
		},
		{
			Name:        "generate_character_arc",
			Description: "Ask the reasoning service for a character arc.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"character_id":   {Type: registry.TypeString, Description: "Character ID", Required: true},
				"story_context":  {Type: registry.TypeString, Description: "Context to use instead of the full story bible"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				characterID, _ := requiredString(args, "character_id")
				storyContext, err := optionalString(args, "story_context")
				if err != nil {
					return nil, err
				}
				return svc.GenerateCharacterArc(ctx, id, characterID, call.Identity, storyContext)
			},
		},
		{
			Name:        "suggest_scene_transitions",
			Description: "Ask the reasoning service for transitions out of a scene.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"scene_id":       {Type: registry.TypeString, Description: "Scene ID", Required: true},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				sceneID, _ := requiredString(args, "scene_id")
				return svc.SuggestSceneTransitions(ctx, id, sceneID, call.Identity)
			},
		},
		{
			Name:        "generate_story_bible_export",
			Description: "Export a story bible. Content is returned base64 encoded.",
			Parameters: map[string]registry.Param{
				"story_bible_id": storyBibleID,
				"format":         {Type: registry.TypeString, Description: "Export format (default markdown)", Enum: exportFormats},
				"sections":       {Type: registry.TypeArray, Description: "Top-level sections to include"},
			},
			Handler: func(ctx context.Context, call *registry.Call, args map[string]any) (any, error) {
				id, _ := requiredString(args, "story_bible_id")
				format, err := optionalString(args, "format")
				if err != nil {
					return nil, err
				}
				if format == "" {
					format = export.FormatMarkdown
				}
				sections, err := optionalStringSlice(args, "sections")
				if err != nil {
					return nil, err
				}
				data, err := svc.GenerateExport(ctx, id, call.Identity, format, sections)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"story_bible_id": id,
					"format":         format,
					"content_b64":    base64.StdEncoding.EncodeToString(data),
				}, nil
			},
		},
	}
}

func requiredString(args map[string]any, key string) (string, error) {
	v, err := optionalString(args, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", svcerr.Validation("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", svcerr.Validation("%s must be a string", key)
	}
	return s, nil
}

func optionalStringSlice(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, svcerr.Validation("%s must be an array", key)
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, svcerr.Validation("%s must contain only strings", key)
		}
		values = append(values, s)
	}
	return values, nil
}

func optionalBool(args map[string]any, key string, fallback bool) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, svcerr.Validation("%s must be a boolean", key)
	}
	return b, nil
}

func optionalObject(args map[string]any, key string) map[string]any {
	if m, ok := args[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
