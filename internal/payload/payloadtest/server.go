// Package payloadtest runs an in-memory stand-in for the document store
// over HTTP. It implements the collection routes and the identity endpoint
// used by the service.
package payloadtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

var idPrefixes = map[string]string{
	"story-bibles":            "sb",
	"story-bible-characters":  "char",
	"character-relationships": "rel",
	"story-bible-scenes":      "scene",
	"plot-threads":            "pt",
	"story-outlines":          "outline",
	"story-bible-changes":     "chg",
}

// populated maps a child collection to the key it is inlined under when a
// story bible is fetched with depth.
var populated = map[string]string{
	"story-bible-characters": "characters",
	"story-bible-scenes":     "scenes",
	"plot-threads":           "plot_threads",
}

type Request struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	counters    map[string]int
	users       map[string]map[string]any
	requests    []Request
	failures    map[string]int
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		collections: make(map[string]map[string]map[string]any),
		counters:    make(map[string]int),
		users:       make(map[string]map[string]any),
		failures:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

// AddUser makes token resolve to an identity with the given projects.
func (s *Server) AddUser(token, id string, projects ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if projects == nil {
		projects = []string{}
	}
	list := make([]any, len(projects))
	for i, p := range projects {
		list[i] = p
	}
	s.users[token] = map[string]any{"id": id, "email": id + "@example.com", "roles": []any{"writer"}, "projects": list}
}

// Seed stores doc in collection under its "id". Generated ids continue
// after any seeded id of the same form.
func (s *Server) Seed(collection string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := doc["id"].(string)
	s.bucket(collection)[id] = clone(doc)
	if n, ok := strings.CutPrefix(id, idPrefixes[collection]+"-"); ok {
		if v, err := strconv.Atoi(n); err == nil && v > s.counters[collection] {
			s.counters[collection] = v
		}
	}
}

// nextID returns a generated id not yet used in the collection.
func (s *Server) nextID(collection string) string {
	bucket := s.bucket(collection)
	for {
		s.counters[collection]++
		id := fmt.Sprintf("%s-%d", idPrefixes[collection], s.counters[collection])
		if _, taken := bucket[id]; !taken {
			return id
		}
	}
}

// FailNext makes the next n requests matching "METHOD collection" answer
// with a 500.
func (s *Server) FailNext(method, collection string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+collection] = n
}

func (s *Server) Docs(collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0)
	for _, doc := range s.collections[collection] {
		out = append(out, clone(doc))
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"]) })
	return out
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Mutations lists "METHOD /path" of every non-GET collection request.
func (s *Server) Mutations() []string {
	var out []string
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r.Method+" "+r.Path)
		}
	}
	return out
}

func (s *Server) bucket(collection string) map[string]map[string]any {
	b, ok := s.collections[collection]
	if !ok {
		b = make(map[string]map[string]any)
		s.collections[collection] = b
	}
	return b
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/users/me" {
		s.serveMe(w, r)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/"), "/")
	collection := parts[0]
	id := ""
	if len(parts) > 1 {
		id = parts[1]
	}

	var body map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})

	if _, ok := idPrefixes[collection]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"message": "Not Found"}}})
		return
	}
	key := r.Method + " " + collection
	if n := s.failures[key]; n > 0 {
		s.failures[key] = n - 1
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": []any{map[string]any{"message": "injected failure"}}})
		return
	}

	bucket := s.bucket(collection)
	switch {
	case r.Method == http.MethodGet && id == "":
		project := r.URL.Query().Get("where[project_id][equals]")
		docs := make([]any, 0)
		for _, doc := range bucket {
			if project == "" || doc["project_id"] == project {
				docs = append(docs, clone(doc))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"docs": docs, "totalDocs": len(docs)})
	case r.Method == http.MethodPost && id == "":
		doc := clone(body)
		doc["id"] = s.nextID(collection)
		bucket[doc["id"].(string)] = doc
		writeJSON(w, http.StatusCreated, map[string]any{"doc": clone(doc), "message": "created"})
	case r.Method == http.MethodGet:
		doc, ok := bucket[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"message": "Not Found"}}})
			return
		}
		out := clone(doc)
		if collection == "story-bibles" && r.URL.Query().Get("depth") != "" {
			for child, field := range populated {
				items := make([]any, 0)
				for _, c := range s.collections[child] {
					if c["story_bible"] == id {
						items = append(items, clone(c))
					}
				}
				out[field] = items
			}
		}
		writeJSON(w, http.StatusOK, out)
	case r.Method == http.MethodPatch:
		doc, ok := bucket[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"message": "Not Found"}}})
			return
		}
		for k, v := range body {
			doc[k] = v
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc": clone(doc), "message": "updated"})
	case r.Method == http.MethodDelete:
		doc, ok := bucket[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"message": "Not Found"}}})
			return
		}
		delete(bucket, id)
		writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "message": "deleted"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{})
	}
}

func (s *Server) serveMe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	s.mu.Lock()
	user, ok := s.users[token]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []any{map[string]any{"message": "Unauthorized"}}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clone(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
