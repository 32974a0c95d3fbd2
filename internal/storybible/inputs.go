package storybible

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

var (
	storyStatuses  = []string{"draft", "in_progress", "completed"}
	characterRoles = []string{"protagonist", "antagonist", "supporting", "minor"}
	timesOfDay     = []string{"dawn", "morning", "afternoon", "evening", "night"}
	scenePurposes  = []string{"setup", "conflict", "resolution", "character_development", "plot_advancement"}
	threadTypes    = []string{"main_plot", "subplot", "character_arc", "theme"}
	threadStatuses = []string{"active", "resolved", "abandoned"}
	actStructures  = []string{"three_act", "five_act", "hero_journey"}
)

// Input is a typed argument record that can check its own constraints.
type Input interface {
	Validate() error
}

// Decode fills dst from a generic argument map and validates it. The owning
// story bible may be given as either story_bible_id or story_bible.
func Decode(args map[string]any, dst Input) error {
	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args["story_bible_id"]; !ok {
		if ref, ok := args["story_bible"]; ok {
			copied := make(map[string]any, len(args)+1)
			for k, v := range args {
				copied[k] = v
			}
			copied["story_bible_id"] = ref
			args = copied
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return svcerr.Validation("invalid arguments: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return svcerr.Validation("%s must be %s", typeErr.Field, typeErr.Type)
		}
		return svcerr.Validation("invalid arguments: %v", err)
	}
	return dst.Validate()
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err(what string) error {
	if len(p) == 0 {
		return nil
	}
	return svcerr.Validation("invalid %s: %s", what, strings.Join(p, "; "))
}

func (p *problems) required(field, v string) {
	if strings.TrimSpace(v) == "" {
		p.addf("%s is required", field)
	}
}

func (p *problems) length(field, v string, min, max int) {
	n := utf8.RuneCountInString(v)
	switch {
	case max > 0 && (n < min || n > max):
		p.addf("%s must be between %d and %d characters", field, min, max)
	case n < min:
		p.addf("%s must be at least %d characters", field, min)
	}
}

func (p *problems) maxLength(field, v string, max int) {
	if utf8.RuneCountInString(v) > max {
		p.addf("%s must be at most %d characters", field, max)
	}
}

func (p *problems) oneOf(field, v string, allowed []string) {
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	p.addf("%s must be one of %s", field, strings.Join(allowed, ", "))
}

func (p *problems) atLeast(field string, v, min int) {
	if v < min {
		p.addf("%s must be >= %d", field, min)
	}
}

type StoryBibleCreate struct {
	ProjectID string   `json:"project_id"`
	Title     string   `json:"title"`
	Genre     string   `json:"genre"`
	Premise   string   `json:"premise"`
	Logline   string   `json:"logline,omitempty"`
	Themes    []string `json:"themes"`
}

func (in *StoryBibleCreate) Validate() error {
	var p problems
	p.required("project_id", in.ProjectID)
	p.length("title", in.Title, 1, 200)
	p.length("genre", in.Genre, 1, 100)
	p.length("premise", in.Premise, 10, 0)
	p.maxLength("logline", in.Logline, 300)
	if in.Themes == nil {
		in.Themes = []string{}
	}
	return p.err("story bible")
}

func (in StoryBibleCreate) document() map[string]any {
	doc := map[string]any{
		"project_id": in.ProjectID,
		"title":      in.Title,
		"genre":      in.Genre,
		"premise":    in.Premise,
		"themes":     nonNil(in.Themes),
	}
	if in.Logline != "" {
		doc["logline"] = in.Logline
	}
	return doc
}

type StoryBibleUpdate struct {
	Title     *string  `json:"title,omitempty"`
	Genre     *string  `json:"genre,omitempty"`
	Premise   *string  `json:"premise,omitempty"`
	Logline   *string  `json:"logline,omitempty"`
	Treatment *string  `json:"treatment,omitempty"`
	Themes    []string `json:"themes,omitempty"`
	Status    *string  `json:"status,omitempty"`
}

func (in *StoryBibleUpdate) Validate() error {
	var p problems
	if in.Title != nil {
		p.length("title", *in.Title, 1, 200)
	}
	if in.Genre != nil {
		p.length("genre", *in.Genre, 1, 100)
	}
	if in.Premise != nil {
		p.length("premise", *in.Premise, 10, 0)
	}
	if in.Logline != nil {
		p.maxLength("logline", *in.Logline, 300)
	}
	if in.Status != nil {
		p.oneOf("status", *in.Status, storyStatuses)
	}
	return p.err("story bible update")
}

func (in StoryBibleUpdate) document() map[string]any {
	doc := map[string]any{}
	setString(doc, "title", in.Title)
	setString(doc, "genre", in.Genre)
	setString(doc, "premise", in.Premise)
	setString(doc, "logline", in.Logline)
	setString(doc, "treatment", in.Treatment)
	setString(doc, "status", in.Status)
	if in.Themes != nil {
		doc["themes"] = in.Themes
	}
	return doc
}

type RelationshipCreate struct {
	CharacterFrom    string `json:"character_from,omitempty"`
	CharacterTo      string `json:"character_to"`
	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description"`
	Strength         *int   `json:"strength,omitempty"`
}

func (in *RelationshipCreate) check(p *problems, prefix string) {
	p.required(prefix+"character_to", in.CharacterTo)
	p.length(prefix+"relationship_type", in.RelationshipType, 1, 100)
	p.length(prefix+"description", in.Description, 1, 0)
	if in.Strength != nil && (*in.Strength < 1 || *in.Strength > 10) {
		p.addf("%sstrength must be between 1 and 10", prefix)
	}
}

func (in RelationshipCreate) document(storyBibleID, characterID string) map[string]any {
	from := in.CharacterFrom
	if from == "" {
		from = characterID
	}
	doc := map[string]any{
		"story_bible":       storyBibleID,
		"character_from":    from,
		"character_to":      in.CharacterTo,
		"relationship_type": in.RelationshipType,
		"description":       in.Description,
	}
	if in.Strength != nil {
		doc["strength"] = *in.Strength
	}
	return doc
}

type CharacterCreate struct {
	StoryBibleID        string               `json:"story_bible_id"`
	Name                string               `json:"name"`
	Role                string               `json:"role"`
	Background          string               `json:"background"`
	Motivation          string               `json:"motivation"`
	ArcDescription      string               `json:"arc_description"`
	PhysicalDescription string               `json:"physical_description,omitempty"`
	PersonalityTraits   []string             `json:"personality_traits"`
	DialogueStyle       string               `json:"dialogue_style,omitempty"`
	Relationships       []RelationshipCreate `json:"relationships"`
}

func (in *CharacterCreate) Validate() error {
	var p problems
	p.required("story_bible_id", in.StoryBibleID)
	p.length("name", in.Name, 1, 120)
	p.oneOf("role", in.Role, characterRoles)
	p.length("background", in.Background, 5, 0)
	p.length("motivation", in.Motivation, 5, 0)
	p.length("arc_description", in.ArcDescription, 5, 0)
	for i := range in.Relationships {
		in.Relationships[i].check(&p, fmt.Sprintf("relationships[%d].", i))
	}
	return p.err("character")
}

func (in CharacterCreate) document(storyBibleID string) map[string]any {
	doc := map[string]any{
		"story_bible":        storyBibleID,
		"name":               in.Name,
		"role":               in.Role,
		"background":         in.Background,
		"motivation":         in.Motivation,
		"arc_description":    in.ArcDescription,
		"personality_traits": nonNil(in.PersonalityTraits),
	}
	if in.PhysicalDescription != "" {
		doc["physical_description"] = in.PhysicalDescription
	}
	if in.DialogueStyle != "" {
		doc["dialogue_style"] = in.DialogueStyle
	}
	return doc
}

type CharacterUpdate struct {
	Name                *string  `json:"name,omitempty"`
	Role                *string  `json:"role,omitempty"`
	Background          *string  `json:"background,omitempty"`
	Motivation          *string  `json:"motivation,omitempty"`
	ArcDescription      *string  `json:"arc_description,omitempty"`
	PhysicalDescription *string  `json:"physical_description,omitempty"`
	PersonalityTraits   []string `json:"personality_traits,omitempty"`
	DialogueStyle       *string  `json:"dialogue_style,omitempty"`
}

func (in *CharacterUpdate) Validate() error {
	var p problems
	if in.Name != nil {
		p.length("name", *in.Name, 1, 120)
	}
	if in.Role != nil {
		p.oneOf("role", *in.Role, characterRoles)
	}
	if in.Background != nil {
		p.length("background", *in.Background, 5, 0)
	}
	if in.Motivation != nil {
		p.length("motivation", *in.Motivation, 5, 0)
	}
	if in.ArcDescription != nil {
		p.length("arc_description", *in.ArcDescription, 5, 0)
	}
	return p.err("character update")
}

func (in CharacterUpdate) document() map[string]any {
	doc := map[string]any{}
	setString(doc, "name", in.Name)
	setString(doc, "role", in.Role)
	setString(doc, "background", in.Background)
	setString(doc, "motivation", in.Motivation)
	setString(doc, "arc_description", in.ArcDescription)
	setString(doc, "physical_description", in.PhysicalDescription)
	setString(doc, "dialogue_style", in.DialogueStyle)
	if in.PersonalityTraits != nil {
		doc["personality_traits"] = in.PersonalityTraits
	}
	return doc
}

type SceneCreate struct {
	StoryBibleID      string   `json:"story_bible_id"`
	SequenceNumber    int      `json:"sequence_number"`
	Title             string   `json:"title"`
	Location          string   `json:"location"`
	TimeOfDay         string   `json:"time_of_day"`
	ScenePurpose      string   `json:"scene_purpose"`
	Description       string   `json:"description"`
	DialogueNotes     string   `json:"dialogue_notes,omitempty"`
	EmotionalBeats    []string `json:"emotional_beats"`
	EstimatedDuration *int     `json:"estimated_duration,omitempty"`
	CharactersPresent []string `json:"characters_present"`
	PlotThreads       []string `json:"plot_threads"`
}

func (in *SceneCreate) Validate() error {
	var p problems
	p.required("story_bible_id", in.StoryBibleID)
	p.atLeast("sequence_number", in.SequenceNumber, 1)
	p.length("title", in.Title, 1, 200)
	p.length("location", in.Location, 1, 0)
	p.oneOf("time_of_day", in.TimeOfDay, timesOfDay)
	p.oneOf("scene_purpose", in.ScenePurpose, scenePurposes)
	p.length("description", in.Description, 10, 0)
	if in.EstimatedDuration != nil {
		p.atLeast("estimated_duration", *in.EstimatedDuration, 1)
	}
	return p.err("scene")
}

func (in SceneCreate) document(storyBibleID string) map[string]any {
	doc := map[string]any{
		"story_bible":        storyBibleID,
		"sequence_number":    in.SequenceNumber,
		"title":              in.Title,
		"location":           in.Location,
		"time_of_day":        in.TimeOfDay,
		"scene_purpose":      in.ScenePurpose,
		"description":        in.Description,
		"emotional_beats":    nonNil(in.EmotionalBeats),
		"characters_present": nonNil(in.CharactersPresent),
		"plot_threads":       nonNil(in.PlotThreads),
	}
	if in.DialogueNotes != "" {
		doc["dialogue_notes"] = in.DialogueNotes
	}
	if in.EstimatedDuration != nil {
		doc["estimated_duration"] = *in.EstimatedDuration
	}
	return doc
}

type SceneUpdate struct {
	SequenceNumber    *int     `json:"sequence_number,omitempty"`
	Title             *string  `json:"title,omitempty"`
	Location          *string  `json:"location,omitempty"`
	TimeOfDay         *string  `json:"time_of_day,omitempty"`
	ScenePurpose      *string  `json:"scene_purpose,omitempty"`
	Description       *string  `json:"description,omitempty"`
	DialogueNotes     *string  `json:"dialogue_notes,omitempty"`
	EmotionalBeats    []string `json:"emotional_beats,omitempty"`
	EstimatedDuration *int     `json:"estimated_duration,omitempty"`
	CharactersPresent []string `json:"characters_present,omitempty"`
	PlotThreads       []string `json:"plot_threads,omitempty"`
}

func (in *SceneUpdate) Validate() error {
	var p problems
	if in.SequenceNumber != nil {
		p.atLeast("sequence_number", *in.SequenceNumber, 1)
	}
	if in.Title != nil {
		p.length("title", *in.Title, 1, 200)
	}
	if in.Location != nil {
		p.length("location", *in.Location, 1, 0)
	}
	if in.TimeOfDay != nil {
		p.oneOf("time_of_day", *in.TimeOfDay, timesOfDay)
	}
	if in.ScenePurpose != nil {
		p.oneOf("scene_purpose", *in.ScenePurpose, scenePurposes)
	}
	if in.Description != nil {
		p.length("description", *in.Description, 10, 0)
	}
	if in.EstimatedDuration != nil {
		p.atLeast("estimated_duration", *in.EstimatedDuration, 1)
	}
	return p.err("scene update")
}

func (in SceneUpdate) document() map[string]any {
	doc := map[string]any{}
	setInt(doc, "sequence_number", in.SequenceNumber)
	setString(doc, "title", in.Title)
	setString(doc, "location", in.Location)
	setString(doc, "time_of_day", in.TimeOfDay)
	setString(doc, "scene_purpose", in.ScenePurpose)
	setString(doc, "description", in.Description)
	setString(doc, "dialogue_notes", in.DialogueNotes)
	setInt(doc, "estimated_duration", in.EstimatedDuration)
	if in.EmotionalBeats != nil {
		doc["emotional_beats"] = in.EmotionalBeats
	}
	if in.CharactersPresent != nil {
		doc["characters_present"] = in.CharactersPresent
	}
	if in.PlotThreads != nil {
		doc["plot_threads"] = in.PlotThreads
	}
	return doc
}

type PlotThreadCreate struct {
	StoryBibleID      string   `json:"story_bible_id"`
	ThreadName        string   `json:"thread_name"`
	ThreadType        string   `json:"thread_type"`
	Description       string   `json:"description"`
	IntroductionScene string   `json:"introduction_scene,omitempty"`
	ResolutionScene   string   `json:"resolution_scene,omitempty"`
	Status            string   `json:"status,omitempty"`
	KeyScenes         []string `json:"key_scenes"`
}

func (in *PlotThreadCreate) Validate() error {
	var p problems
	p.required("story_bible_id", in.StoryBibleID)
	p.length("thread_name", in.ThreadName, 1, 150)
	p.oneOf("thread_type", in.ThreadType, threadTypes)
	p.length("description", in.Description, 5, 0)
	if in.Status == "" {
		in.Status = "active"
	}
	p.oneOf("status", in.Status, threadStatuses)
	return p.err("plot thread")
}

func (in PlotThreadCreate) document(storyBibleID string) map[string]any {
	status := in.Status
	if status == "" {
		status = "active"
	}
	doc := map[string]any{
		"story_bible": storyBibleID,
		"thread_name": in.ThreadName,
		"thread_type": in.ThreadType,
		"description": in.Description,
		"status":      status,
		"key_scenes":  nonNil(in.KeyScenes),
	}
	if in.IntroductionScene != "" {
		doc["introduction_scene"] = in.IntroductionScene
	}
	if in.ResolutionScene != "" {
		doc["resolution_scene"] = in.ResolutionScene
	}
	return doc
}

type PlotThreadUpdate struct {
	ThreadName        *string  `json:"thread_name,omitempty"`
	ThreadType        *string  `json:"thread_type,omitempty"`
	Description       *string  `json:"description,omitempty"`
	IntroductionScene *string  `json:"introduction_scene,omitempty"`
	ResolutionScene   *string  `json:"resolution_scene,omitempty"`
	Status            *string  `json:"status,omitempty"`
	KeyScenes         []string `json:"key_scenes,omitempty"`
}

func (in *PlotThreadUpdate) Validate() error {
	var p problems
	if in.ThreadName != nil {
		p.length("thread_name", *in.ThreadName, 1, 150)
	}
	if in.ThreadType != nil {
		p.oneOf("thread_type", *in.ThreadType, threadTypes)
	}
	if in.Description != nil {
		p.length("description", *in.Description, 5, 0)
	}
	if in.Status != nil {
		p.oneOf("status", *in.Status, threadStatuses)
	}
	return p.err("plot thread update")
}

func (in PlotThreadUpdate) document() map[string]any {
	doc := map[string]any{}
	setString(doc, "thread_name", in.ThreadName)
	setString(doc, "thread_type", in.ThreadType)
	setString(doc, "description", in.Description)
	setString(doc, "introduction_scene", in.IntroductionScene)
	setString(doc, "resolution_scene", in.ResolutionScene)
	setString(doc, "status", in.Status)
	if in.KeyScenes != nil {
		doc["key_scenes"] = in.KeyScenes
	}
	return doc
}

type OutlineCreate struct {
	StoryBibleID     string   `json:"story_bible_id"`
	ActStructure     string   `json:"act_structure"`
	GenreConventions []string `json:"genre_conventions"`
	PlotPoints       []string `json:"plot_points"`
	EstimatedRuntime *int     `json:"estimated_runtime,omitempty"`
	TargetAudience   string   `json:"target_audience,omitempty"`
}

func (in *OutlineCreate) Validate() error {
	var p problems
	p.required("story_bible_id", in.StoryBibleID)
	p.oneOf("act_structure", in.ActStructure, actStructures)
	if in.EstimatedRuntime != nil {
		p.atLeast("estimated_runtime", *in.EstimatedRuntime, 1)
	}
	return p.err("story outline")
}

func (in OutlineCreate) document(storyBibleID string) map[string]any {
	doc := map[string]any{
		"story_bible":       storyBibleID,
		"act_structure":     in.ActStructure,
		"genre_conventions": nonNil(in.GenreConventions),
		"plot_points":       nonNil(in.PlotPoints),
	}
	if in.EstimatedRuntime != nil {
		doc["estimated_runtime"] = *in.EstimatedRuntime
	}
	if in.TargetAudience != "" {
		doc["target_audience"] = in.TargetAudience
	}
	return doc
}

func setString(doc map[string]any, key string, v *string) {
	if v != nil {
		doc[key] = *v
	}
}

func setInt(doc map[string]any, key string, v *int) {
	if v != nil {
		doc[key] = *v
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
