package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/export"
	"github.com/jomapps/mcp-story-bible-service/internal/storybible"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

func identityOf(r *http.Request) auth.Identity {
	identity, _ := auth.IdentityFrom(r.Context())
	return identity
}

// decodeInput reads the body into dst. Path parameters listed in pathArgs
// override fields of the same name in the body.
func decodeInput(r *http.Request, dst storybible.Input, pathArgs map[string]string) error {
	args, err := decodeObject(r, false)
	if err != nil {
		return err
	}
	for k, v := range pathArgs {
		args[k] = v
	}
	return storybible.Decode(args, dst)
}

func decodeUpdate(r *http.Request, dst storybible.Input) error {
	args, err := decodeObject(r, true)
	if err != nil {
		return err
	}
	return storybible.Decode(args, dst)
}

func (h *handler) listStoryBibles(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	if projectID == "" {
		h.serviceError(w, r, svcerr.Validation("project_id query parameter is required"))
		return
	}
	out, err := h.svc.ListStoryBibles(r.Context(), projectID, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) createStoryBible(w http.ResponseWriter, r *http.Request) {
	var in storybible.StoryBibleCreate
	if err := decodeInput(r, &in, nil); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.CreateStoryBible(r.Context(), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, out)
}

func (h *handler) getStoryBible(w http.ResponseWriter, r *http.Request) {
	populate := true
	if raw := r.URL.Query().Get("populate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.serviceError(w, r, svcerr.Validation("populate must be true or false"))
			return
		}
		populate = v
	}
	out, err := h.svc.GetStoryBible(r.Context(), r.PathValue("id"), identityOf(r), populate)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) updateStoryBible(w http.ResponseWriter, r *http.Request) {
	var in storybible.StoryBibleUpdate
	if err := decodeUpdate(r, &in); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.UpdateStoryBible(r.Context(), r.PathValue("id"), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) deleteStoryBible(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.DeleteStoryBible(r.Context(), r.PathValue("id"), identityOf(r)); err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) addCharacter(w http.ResponseWriter, r *http.Request) {
	var in storybible.CharacterCreate
	if err := decodeInput(r, &in, map[string]string{"story_bible_id": r.PathValue("id")}); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.AddCharacter(r.Context(), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, out)
}

func (h *handler) updateCharacter(w http.ResponseWriter, r *http.Request) {
	var in storybible.CharacterUpdate
	if err := decodeUpdate(r, &in); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.UpdateCharacter(r.Context(), r.PathValue("id"), r.PathValue("characterID"), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) addScene(w http.ResponseWriter, r *http.Request) {
	var in storybible.SceneCreate
	if err := decodeInput(r, &in, map[string]string{"story_bible_id": r.PathValue("id")}); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.AddScene(r.Context(), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, out)
}

func (h *handler) updateScene(w http.ResponseWriter, r *http.Request) {
	var in storybible.SceneUpdate
	if err := decodeUpdate(r, &in); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.UpdateScene(r.Context(), r.PathValue("id"), r.PathValue("sceneID"), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) createPlotThread(w http.ResponseWriter, r *http.Request) {
	var in storybible.PlotThreadCreate
	if err := decodeInput(r, &in, map[string]string{"story_bible_id": r.PathValue("id")}); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.CreatePlotThread(r.Context(), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, out)
}

func (h *handler) updatePlotThread(w http.ResponseWriter, r *http.Request) {
	var in storybible.PlotThreadUpdate
	if err := decodeUpdate(r, &in); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.UpdatePlotThread(r.Context(), r.PathValue("id"), r.PathValue("threadID"), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) createOutline(w http.ResponseWriter, r *http.Request) {
	var in storybible.OutlineCreate
	if err := decodeInput(r, &in, map[string]string{"story_bible_id": r.PathValue("id")}); err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.CreateStoryOutline(r.Context(), in, identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, out)
}

func (h *handler) validateConsistency(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ValidateStoryConsistency(r.Context(), r.PathValue("id"), identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) generateCharacterArc(w http.ResponseWriter, r *http.Request) {
	storyContext := r.URL.Query().Get("story_context")
	out, err := h.svc.GenerateCharacterArc(r.Context(), r.PathValue("id"), r.PathValue("characterID"), identityOf(r), storyContext)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) suggestSceneTransitions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.SuggestSceneTransitions(r.Context(), r.PathValue("id"), r.PathValue("sceneID"), identityOf(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) exportStoryBible(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatMarkdown
	}
	var sections []string
	for _, raw := range r.URL.Query()["sections"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sections = append(sections, s)
			}
		}
	}

	content, err := h.svc.GenerateExport(r.Context(), id, identityOf(r), format, sections)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.MediaType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=story-bible-%s.%s", id, export.FileExtension(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *handler) trackChange(w http.ResponseWriter, r *http.Request) {
	changes, err := decodeObject(r, false)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	out, err := h.svc.TrackChange(r.Context(), r.PathValue("id"), identityOf(r), changes)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}
