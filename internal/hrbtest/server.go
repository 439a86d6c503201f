// Package hrbtest runs an in-process double of the remote content storage
// service, close enough to the real wire contract for the client packages to
// test against: form login with a session cookie, hierarchical collection
// paths, per-blob permissions, covers and collection-scoped share keys.
//
// It stores everything in memory and does not generate renditions; a
// rendition request returns the original content.
package hrbtest

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

type blob struct {
	Filename  string
	Mime      string
	Timestamp int64
	Perm      string
	Data      []byte
}

type collection struct {
	Cover    string
	Elements map[string]*blob
}

type shareTarget struct {
	Owner      string
	Collection string
}

// Server is one fake service instance. All state is guarded by mu; handlers
// may be hit concurrently by independent client sessions.
type Server struct {
	HTTP *httptest.Server

	mu          sync.Mutex
	users       map[string]string                 // user name -> password
	sessions    map[string]string                 // session token -> user name
	collections map[string]map[string]*collection // owner -> collection name
	shares      map[string]shareTarget            // auth key -> scope

	lastRendition string
}

// NewServer starts a TLS test server accepting the given user credentials.
// Callers own shutting it down with Close.
func NewServer(users map[string]string) *Server {
	s := &Server{
		users:       users,
		sessions:    make(map[string]string),
		collections: make(map[string]map[string]*collection),
		shares:      make(map[string]shareTarget),
	}
	s.HTTP = httptest.NewTLSServer(http.HandlerFunc(s.route))
	return s
}

// Host returns the host:port clients should connect to.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.HTTP.URL, "https://")
}

func (s *Server) Close() {
	s.HTTP.Close()
}

// ExpireSessions drops every live session token, simulating server-side
// session expiry. Clients holding an old token just become anonymous.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]string)
}

// LastRendition reports the rendition parameter of the most recent blob
// content request. Renditions are not generated here, but which one a
// client asked for is still observable.
func (s *Server) LastRendition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRendition
}

func randomToken(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// viewer resolves the request's session cookie to a user name. An absent,
// unknown or expired token is simply anonymous.
func (s *Server) viewer(r *http.Request) string {
	c, err := r.Cookie("id")
	if err != nil {
		return ""
	}
	return s.sessions[c.Value]
}

// authKeyScope returns the scope of the request's auth key, if it carries a
// valid one. An unknown key degrades to no key at all.
func (s *Server) authKeyScope(r *http.Request) (shareTarget, bool) {
	key := r.URL.Query().Get("auth")
	if key == "" {
		return shareTarget{}, false
	}
	target, ok := s.shares[key]
	return target, ok
}

// splitPath decodes every segment of an escaped URL path independently,
// mirroring how the service reads hierarchical names.
func splitPath(escaped string) ([]string, error) {
	parts := strings.Split(strings.TrimPrefix(escaped, "/"), "/")
	for i, p := range parts {
		decoded, err := url.QueryUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("malformed path segment %q: %w", p, err)
		}
		parts[i] = decoded
	}
	return parts, nil
}

func isBlobID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, err := splitPath(r.URL.EscapedPath())
	if err != nil || len(segments) == 0 {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	switch segments[0] {
	case "login":
		s.handleLogin(w, r)
	case "logout":
		s.handleLogout(w, r)
	case "query":
		s.handleQuery(w, r, segments)
	case "upload":
		s.handleUpload(w, r, segments)
	case "api":
		s.handleAPI(w, r, segments)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		http.Error(w, "bad login request", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	user := r.PostForm.Get("username")
	password, ok := s.users[user]
	if !ok || password != r.PostForm.Get("password") {
		http.Error(w, "incorrect login", http.StatusForbidden)
		return
	}

	token := randomToken(16)
	s.sessions[token] = user
	http.SetCookie(w, &http.Cookie{Name: "id", Value: token, Path: "/", Secure: true})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("id"); err == nil {
		delete(s.sessions, c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: "id", Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

// canReadBlob applies the permission matrix for one blob: owners always,
// then a share key scoped to this exact collection, then the visibility
// tier.
func canReadBlob(viewer, owner string, b *blob, key shareTarget, hasKey bool, coll string) bool {
	if viewer == owner {
		return true
	}
	if hasKey && key.Owner == owner && key.Collection == coll {
		return true
	}
	switch b.Perm {
	case "public":
		return true
	case "shared":
		return viewer != ""
	default:
		return false
	}
}

func (s *Server) ownerColls(owner string) map[string]*collection {
	colls, ok := s.collections[owner]
	if !ok {
		colls = make(map[string]*collection)
		s.collections[owner] = colls
	}
	return colls
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, segments []string) {
	if r.Method != http.MethodPut || len(segments) < 3 {
		http.Error(w, "bad upload request", http.StatusBadRequest)
		return
	}

	owner := segments[1]
	collName := strings.Join(segments[2:len(segments)-1], "/")
	filename := segments[len(segments)-1]
	if filename == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}

	// A share key is a read-only credential; presenting one on a mutating
	// path is a malformed request regardless of its validity.
	if r.URL.Query().Get("auth") != "" {
		http.Error(w, "auth key not accepted here", http.StatusBadRequest)
		return
	}

	viewer := s.viewer(r)
	if viewer == "" {
		http.Error(w, "login required", http.StatusBadRequest)
		return
	}
	if viewer != owner {
		http.Error(w, "not your collection", http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}

	sum := sha1.Sum(data)
	id := hex.EncodeToString(sum[:])

	colls := s.ownerColls(owner)
	c, ok := colls[collName]
	if !ok {
		c = &collection{Elements: make(map[string]*blob)}
		colls[collName] = c
	}
	c.Elements[id] = &blob{
		Filename:  filename,
		Mime:      sniffMime(filename, data),
		Timestamp: time.Now().Unix(),
		Perm:      "private",
		Data:      data,
	}
	if c.Cover == "" {
		c.Cover = id
	}

	location := "/api/" + url.QueryEscape(owner) + "/" + escapeColl(collName) + "/" + id
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
}

func escapeColl(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return strings.Join(parts, "/")
}

func sniffMime(filename string, data []byte) string {
	switch {
	case strings.HasSuffix(filename, ".jpg"), strings.HasSuffix(filename, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(filename, ".png"):
		return "image/png"
	default:
		return http.DetectContentType(data)
	}
}

// handleAPI serves /api/<owner>/<collection...>/<leaf>. A trailing segment
// that is not a well-formed blob identifier is read as part of the
// collection name, never as a syntax error.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) < 2 {
		http.NotFound(w, r)
		return
	}

	owner := segments[1]
	rest := segments[2:]

	var collName, blobID string
	if len(rest) > 0 && isBlobID(rest[len(rest)-1]) {
		blobID = rest[len(rest)-1]
		collName = strings.Join(rest[:len(rest)-1], "/")
	} else {
		collName = strings.Join(rest, "/")
		collName = strings.TrimSuffix(collName, "/")
	}

	if blobID == "" {
		s.handleCollection(w, r, owner, collName)
		return
	}
	s.handleBlob(w, r, owner, collName, blobID)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, owner, collName string) {
	viewer := s.viewer(r)

	switch r.Method {
	case http.MethodGet:
		s.serveCollection(w, r, viewer, owner, collName)
	case http.MethodPost:
		s.collectionControl(w, r, viewer, owner, collName)
	default:
		http.Error(w, "method not allowed", http.StatusBadRequest)
	}
}

func (s *Server) serveCollection(w http.ResponseWriter, r *http.Request, viewer, owner, collName string) {
	c, ok := s.collections[owner][collName]
	if !ok {
		// Collections materialize implicitly, so an unknown name is just an
		// empty listing rather than an error.
		c = &collection{Elements: make(map[string]*blob)}
	}

	key, hasKey := s.authKeyScope(r)

	type entry struct {
		Filename  string `json:"filename"`
		Mime      string `json:"mime"`
		Timestamp int64  `json:"timestamp"`
		Perm      string `json:"perm"`
	}
	elements := make(map[string]entry)
	visibleCover := ""
	for id, b := range c.Elements {
		if !canReadBlob(viewer, owner, b, key, hasKey, collName) {
			continue
		}
		elements[id] = entry{Filename: b.Filename, Mime: b.Mime, Timestamp: b.Timestamp, Perm: b.Perm}
		if id == c.Cover {
			visibleCover = c.Cover
		}
	}

	response := map[string]any{
		"collection": collName,
		"owner":      owner,
		"meta":       map[string]any{"cover": visibleCover},
		"elements":   elements,
	}
	if viewer != "" && viewer == owner {
		response["username"] = viewer
		response["meta"] = map[string]any{"cover": c.Cover}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) collectionControl(w http.ResponseWriter, r *http.Request, viewer, owner, collName string) {
	if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		http.Error(w, "bad content type", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if viewer == "" || viewer != owner {
		http.Error(w, "not your collection", http.StatusForbidden)
		return
	}

	switch {
	case r.PostForm.Has("cover"):
		cover := r.PostForm.Get("cover")
		c, ok := s.collections[owner][collName]
		if !ok {
			http.Error(w, "no such collection", http.StatusNotFound)
			return
		}
		if _, member := c.Elements[cover]; !member {
			http.Error(w, "cover must be a member of the collection", http.StatusBadRequest)
			return
		}
		c.Cover = cover
		w.WriteHeader(http.StatusNoContent)

	case r.PostForm.Get("share") == "create":
		key := randomToken(16)
		s.shares[key] = shareTarget{Owner: owner, Collection: collName}
		location := "/api/" + url.QueryEscape(owner) + "/" + escapeColl(collName) + "/?auth=" + key
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusNoContent)

	case r.PostForm.Get("share") == "list":
		keys := []string{}
		for key, target := range s.shares {
			if target.Owner == owner && target.Collection == collName {
				keys = append(keys, key)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(keys)

	default:
		http.Error(w, "unknown control request", http.StatusBadRequest)
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, owner, collName, blobID string) {
	viewer := s.viewer(r)
	c := s.collections[owner][collName]

	switch r.Method {
	case http.MethodGet:
		if viewer != owner {
			key, hasKey := s.authKeyScope(r)
			b := (*blob)(nil)
			if c != nil {
				b = c.Elements[blobID]
			}
			// Whether the blob exists is the owner's business alone.
			if b == nil || !canReadBlob(viewer, owner, b, key, hasKey, collName) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			s.serveBlob(w, r, b)
			return
		}
		if c == nil || c.Elements[blobID] == nil {
			http.NotFound(w, r)
			return
		}
		s.serveBlob(w, r, c.Elements[blobID])

	case http.MethodDelete:
		if viewer == "" || viewer != owner {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if c == nil || c.Elements[blobID] == nil {
			http.NotFound(w, r)
			return
		}
		delete(c.Elements, blobID)
		s.fixCover(owner, collName, c)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPost:
		s.blobControl(w, r, viewer, owner, collName, blobID)

	default:
		http.Error(w, "method not allowed", http.StatusBadRequest)
	}
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, b *blob) {
	s.lastRendition = r.URL.Query().Get("rendition")
	w.Header().Set("Content-Type", b.Mime)
	w.Header().Set("Content-Disposition", "inline; filename="+url.QueryEscape(b.Filename))
	w.Write(b.Data)
}

// fixCover re-points the cover after a member disappears: some remaining
// member, or nothing when the collection just became empty.
func (s *Server) fixCover(owner, collName string, c *collection) {
	if _, ok := c.Elements[c.Cover]; ok {
		return
	}
	c.Cover = ""
	for id := range c.Elements {
		c.Cover = id
		break
	}
	if len(c.Elements) == 0 {
		delete(s.collections[owner], collName)
	}
}

func (s *Server) blobControl(w http.ResponseWriter, r *http.Request, viewer, owner, collName, blobID string) {
	if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		http.Error(w, "bad content type", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if viewer == "" || viewer != owner {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	c := s.collections[owner][collName]
	if c == nil || c.Elements[blobID] == nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.PostForm.Has("move"):
		dest := r.PostForm.Get("move")
		if dest == collName {
			http.Error(w, "malformed move target", http.StatusBadRequest)
			return
		}
		colls := s.ownerColls(owner)
		dc, ok := colls[dest]
		if !ok {
			dc = &collection{Elements: make(map[string]*blob)}
			colls[dest] = dc
		}
		dc.Elements[blobID] = c.Elements[blobID]
		if dc.Cover == "" {
			dc.Cover = blobID
		}
		delete(c.Elements, blobID)
		s.fixCover(owner, collName, c)
		w.WriteHeader(http.StatusNoContent)

	case r.PostForm.Has("perm"):
		perm := r.PostForm.Get("perm")
		if perm != "private" && perm != "shared" && perm != "public" {
			http.Error(w, "unknown permission", http.StatusBadRequest)
			return
		}
		c.Elements[blobID].Perm = perm
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "unknown control request", http.StatusBadRequest)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) < 2 {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "collection":
		s.queryCollections(w, r)
	case "blob":
		s.queryBlob(w, r)
	case "blob_set":
		s.queryBlobSet(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) queryCollections(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")

	type header struct {
		Coll  string `json:"coll"`
		Cover string `json:"cover"`
		Owner string `json:"owner"`
	}
	colls := []header{}
	for name, c := range s.collections[user] {
		colls = append(colls, header{Coll: name, Cover: c.Cover, Owner: user})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"colls": colls})
}

func (s *Server) queryBlob(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	owner := r.URL.Query().Get("owner")
	viewer := s.viewer(r)

	for collName, c := range s.collections[owner] {
		b, ok := c.Elements[id]
		if !ok {
			continue
		}
		if !canReadBlob(viewer, owner, b, shareTarget{}, false, collName) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.serveBlob(w, r, b)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) queryBlobSet(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("public")

	type entry struct {
		Filename  string `json:"filename"`
		Mime      string `json:"mime"`
		Timestamp int64  `json:"timestamp"`
		Perm      string `json:"perm"`
	}
	elements := make(map[string]entry)
	for owner, colls := range s.collections {
		if user != "" && owner != user {
			continue
		}
		for _, c := range colls {
			for id, b := range c.Elements {
				if b.Perm == "public" {
					elements[id] = entry{Filename: b.Filename, Mime: b.Mime, Timestamp: b.Timestamp, Perm: b.Perm}
				}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"elements": elements})
}
