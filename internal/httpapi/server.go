// Package httpapi routes and serves the synchronization API. Domain
// errors are translated into structured JSON at this boundary and
// nowhere else.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/homesyncd/homesync/internal/access"
	"github.com/homesyncd/homesync/internal/filestore"
	"github.com/homesyncd/homesync/internal/metadata"
	"github.com/homesyncd/homesync/internal/pathsafe"
	"github.com/homesyncd/homesync/internal/reconcile"
	"github.com/homesyncd/homesync/internal/wire"
)

// ServerConfig carries the router's policy knobs.
type ServerConfig struct {
	SessionIdleTimeout time.Duration
	MaxBodyBytes       int64
	Clock              clockwork.Clock
}

// Server dispatches requests over two route tables: public routes and
// authenticated routes. The latter require a valid session token in the
// auth header.
type Server struct {
	cfg      ServerConfig
	log      logrus.FieldLogger
	users    *access.Users
	perms    *access.Engine
	files    *filestore.Store
	planner  *reconcile.Planner
	sessions *SessionRegistry

	manifestSchema *jsonschema.Schema
	public         map[string]http.HandlerFunc
	authenticated  map[string]func(http.ResponseWriter, *http.Request, Session)
}

// NewServer wires the router over its collaborators.
func NewServer(users *access.Users, perms *access.Engine, files *filestore.Store, meta *metadata.Store, log logrus.FieldLogger, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		log:            log,
		users:          users,
		perms:          perms,
		files:          files,
		planner:        reconcile.NewPlanner(meta, perms),
		sessions:       NewSessionRegistry(cfg.SessionIdleTimeout, cfg.Clock),
		manifestSchema: schema,
	}
	s.public = map[string]http.HandlerFunc{
		"POST " + wire.RouteRegister: s.handleRegister,
		"POST " + wire.RouteLogin:    s.handleLogin,
	}
	s.authenticated = map[string]func(http.ResponseWriter, *http.Request, Session){
		"POST " + wire.RouteLogout:         s.handleLogout,
		"GET " + wire.RouteMe:              s.handleMe,
		"DELETE " + wire.RouteMe:           s.handleDeleteMe,
		"POST " + wire.RouteUpload:         s.handleUpload,
		"GET " + wire.RouteDownload:        s.handleDownload,
		"GET " + wire.RouteList:            s.handleList,
		"POST " + wire.RouteMkdir:          s.handleMkdir,
		"DELETE " + wire.RouteDelete:       s.handleDelete,
		"POST " + wire.RouteRename:         s.handleRename,
		"POST " + wire.RouteSyncManifest:   s.handleSyncManifest,
		"POST " + wire.RouteSharedStorage:  s.handleCreateSharedStorage,
		"POST " + wire.RouteSharedAccess:   s.handleGrantSharedAccess,
		"DELETE " + wire.RouteSharedAccess: s.handleRevokeSharedAccess,
	}
	return s, nil
}

// Sessions exposes the registry for tests and the shutdown path.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, wire.APIPrefix)
	if endpoint == r.URL.Path {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	routeKey := r.Method + " " + endpoint

	if handler, ok := s.public[routeKey]; ok {
		handler(w, r)
		return
	}

	handler, ok := s.authenticated[routeKey]
	if !ok {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	session, ok := s.sessions.Lookup(r.Header.Get(wire.HeaderAuthToken))
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or expired session token")
		return
	}
	handler(w, r, session)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.CredentialsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	user, err := s.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, access.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.internalError(w, "register", err)
		return
	}
	s.log.WithFields(logrus.Fields{"user": user.Username, "user_id": user.ID}).Info("user registered")
	writeJSON(w, http.StatusCreated, wire.DataResponse{Data: wire.UserData{UserID: user.ID, Username: user.Username}})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req wire.CredentialsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, access.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		s.internalError(w, "login", err)
		return
	}
	session := s.sessions.Create(user)
	s.log.WithField("user", user.Username).Info("user logged in")
	writeJSON(w, http.StatusOK, wire.DataResponse{Data: wire.UserData{
		UserID:   user.ID,
		Username: user.Username,
		Token:    session.Token,
		HomeDir:  user.HomeDir,
	}})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request, session Session) {
	s.sessions.Remove(session.Token)
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, session Session) {
	writeJSON(w, http.StatusOK, wire.DataResponse{Data: wire.UserData{
		UserID:   session.UserID,
		Username: session.Username,
		HomeDir:  session.HomeDir,
	}})
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.users.Delete(r.Context(), session.UserID); err != nil {
		s.internalError(w, "delete user", err)
		return
	}
	s.sessions.RemoveUser(session.UserID)
	s.log.WithField("user", session.Username).Info("user deleted")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	relative := strings.TrimSpace(r.Header.Get(wire.HeaderRelativePath))
	if relative == "" {
		writeError(w, http.StatusBadRequest, "missing "+wire.HeaderRelativePath+" header")
		return
	}
	if !s.requireLevel(r.Context(), w, session, relative, access.ReadWrite) {
		return
	}
	lastModified := parseEpochHeader(r.Header.Get(wire.HeaderLastModified))

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart body")
		return
	}
	var filePart io.Reader
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() == "file" {
			filePart = part
			break
		}
	}
	if filePart == nil {
		writeError(w, http.StatusBadRequest, `missing multipart field "file"`)
		return
	}

	owner := session.UserID
	result, err := s.files.Upload(r.Context(), session.HomeDir, relative, filePart, &owner, lastModified)
	if err != nil {
		s.writeFileError(w, "upload", relative, err)
		return
	}
	s.log.WithFields(logrus.Fields{"user": session.Username, "path": relative, "checksum": result.Checksum}).Info("file uploaded")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, session Session) {
	relative := r.URL.Query().Get("path")
	if !s.requireLevel(r.Context(), w, session, relative, access.Read) {
		return
	}
	target, checksum, err := s.files.Download(r.Context(), session.HomeDir, relative)
	if err != nil {
		s.writeFileError(w, "download", relative, err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
	w.Header().Set(wire.HeaderChecksum, checksum)
	http.ServeFile(w, r, target)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, session Session) {
	relative := r.URL.Query().Get("path")
	recursive := r.URL.Query().Get("recursive") == "1"
	if !s.requireLevel(r.Context(), w, session, relative, access.Read) {
		return
	}
	entries, err := s.files.List(r.Context(), session.HomeDir, relative, recursive)
	if err != nil {
		s.writeFileError(w, "list", relative, err)
		return
	}
	listing := make([]wire.ListEntry, 0, len(entries))
	for _, entry := range entries {
		listing = append(listing, wire.ListEntry(entry))
	}
	writeJSON(w, http.StatusOK, wire.ListResponse{Listing: listing})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, session Session) {
	var req wire.MkdirRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !s.requireLevel(r.Context(), w, session, req.Path, access.ReadWrite) {
		return
	}
	owner := session.UserID
	if err := s.files.Mkdir(r.Context(), session.HomeDir, req.Path, &owner); err != nil {
		s.writeFileError(w, "mkdir", req.Path, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, session Session) {
	relative := r.URL.Query().Get("path")
	if !s.requireLevel(r.Context(), w, session, relative, access.ReadWrite) {
		return
	}
	if err := s.files.Delete(r.Context(), session.HomeDir, relative); err != nil {
		s.writeFileError(w, "delete", relative, err)
		return
	}
	s.log.WithFields(logrus.Fields{"user": session.Username, "path": relative}).Info("path deleted")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, session Session) {
	var req wire.RenameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !s.requireLevel(r.Context(), w, session, req.OldPath, access.ReadWrite) {
		return
	}
	if !s.requireLevel(r.Context(), w, session, req.NewPath, access.ReadWrite) {
		return
	}
	if err := s.files.Rename(r.Context(), session.HomeDir, req.OldPath, req.NewPath); err != nil {
		s.writeFileError(w, "rename", req.OldPath, err)
		return
	}
	s.log.WithFields(logrus.Fields{"user": session.Username, "from": req.OldPath, "to": req.NewPath}).Info("path renamed")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleSyncManifest(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateManifestBody(s.manifestSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req wire.ManifestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	operations, err := s.planner.Plan(r.Context(), session.UserID, session.HomeDir, req.ClientFiles)
	if err != nil {
		s.internalError(w, "plan sync", err)
		return
	}

	// Deletions reported by the manifest are executed here; the returned
	// op tells the client the path is settled.
	for _, op := range operations {
		if op.Action != reconcile.DeleteOnServer {
			continue
		}
		if err := s.files.Delete(r.Context(), session.HomeDir, op.RelativePath); err != nil {
			s.log.WithError(err).WithField("path", op.RelativePath).Warn("failed to apply manifest deletion")
		}
	}

	s.log.WithFields(logrus.Fields{
		"user":       session.Username,
		"manifest":   len(req.ClientFiles),
		"operations": len(operations),
	}).Info("manifest reconciled")
	writeJSON(w, http.StatusOK, wire.ManifestResponse{SyncOperations: operations})
}

func (s *Server) handleCreateSharedStorage(w http.ResponseWriter, r *http.Request, session Session) {
	var req wire.SharedStorageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.StorageName)
	if name == "" || strings.ContainsAny(name, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid storage name")
		return
	}
	storage, err := s.perms.CreateSharedStorage(r.Context(), name, session.UserID)
	if err != nil {
		s.internalError(w, "create shared storage", err)
		return
	}
	s.log.WithFields(logrus.Fields{"user": session.Username, "storage": storage.Name}).Info("shared storage created")
	writeJSON(w, http.StatusCreated, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleGrantSharedAccess(w http.ResponseWriter, r *http.Request, session Session) {
	var req wire.SharedAccessRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	target, ok := s.authorizeSharedChange(w, r, session, req.StorageName, req.TargetUser)
	if !ok {
		return
	}
	if err := s.perms.GrantShared(r.Context(), target.ID, req.StorageName, access.ParseLevel(req.Permission)); err != nil {
		s.internalError(w, "grant shared access", err)
		return
	}
	s.log.WithFields(logrus.Fields{"storage": req.StorageName, "target": target.Username, "level": req.Permission}).Info("shared access granted")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

func (s *Server) handleRevokeSharedAccess(w http.ResponseWriter, r *http.Request, session Session) {
	var req wire.SharedAccessRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	target, ok := s.authorizeSharedChange(w, r, session, req.StorageName, req.TargetUser)
	if !ok {
		return
	}
	if err := s.perms.RevokeShared(r.Context(), target.ID, req.StorageName); err != nil {
		s.internalError(w, "revoke shared access", err)
		return
	}
	s.log.WithFields(logrus.Fields{"storage": req.StorageName, "target": target.Username}).Info("shared access revoked")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "success"})
}

// authorizeSharedChange checks the caller holds ReadWrite on the storage
// and resolves the target account. It writes the error response itself.
func (s *Server) authorizeSharedChange(w http.ResponseWriter, r *http.Request, session Session, storageName, targetUser string) (access.User, bool) {
	storage, err := s.perms.SharedStorageByName(r.Context(), storageName)
	if err != nil {
		if errors.Is(err, access.ErrStorageNotFound) {
			writeError(w, http.StatusNotFound, "shared storage not found")
			return access.User{}, false
		}
		s.internalError(w, "lookup shared storage", err)
		return access.User{}, false
	}
	level, err := s.perms.Permission(r.Context(), session.UserID, storage.Path)
	if err != nil {
		s.internalError(w, "check storage permission", err)
		return access.User{}, false
	}
	if level < access.ReadWrite {
		writeError(w, http.StatusForbidden, "read-write access to the storage is required")
		return access.User{}, false
	}
	target, err := s.users.ByUsername(r.Context(), targetUser)
	if err != nil {
		if errors.Is(err, access.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "target user not found")
			return access.User{}, false
		}
		s.internalError(w, "resolve target user", err)
		return access.User{}, false
	}
	return target, true
}

// requireLevel resolves relative under the session home and checks the
// permission walk. It writes the 400/403 response itself on failure.
func (s *Server) requireLevel(ctx context.Context, w http.ResponseWriter, session Session, relative string, level access.Level) bool {
	target, err := pathsafe.Resolve(session.HomeDir, relative)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return false
	}
	granted, err := s.perms.Permission(ctx, session.UserID, target)
	if err != nil {
		s.internalError(w, "check permission", err)
		return false
	}
	if granted < level {
		writeError(w, http.StatusForbidden, "insufficient permission")
		return false
	}
	return true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusBadRequest, "request body too large")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) writeFileError(w http.ResponseWriter, operation, relative string, err error) {
	switch {
	case errors.Is(err, pathsafe.ErrUnsafePath):
		writeError(w, http.StatusBadRequest, "invalid path")
	case errors.Is(err, filestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "path not found")
	case errors.Is(err, filestore.ErrDestinationExists):
		writeError(w, http.StatusConflict, "destination already exists")
	case errors.Is(err, filestore.ErrIsDirectory), errors.Is(err, filestore.ErrRefusingBase):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, operation+" "+relative, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, operation string, err error) {
	s.log.WithError(err).Error("internal error during " + operation)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseEpochHeader(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var epoch int64
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0
		}
		epoch = epoch*10 + int64(c-'0')
	}
	return epoch
}
