// Package wire declares the HTTP protocol surface shared by the server
// and the agent: header names, route paths, and JSON body shapes. All
// timestamps are integer epoch seconds; paths in JSON use forward slashes.
package wire

import "github.com/homesyncd/homesync/internal/reconcile"

// APIPrefix fronts every route.
const APIPrefix = "/api/v1"

// Custom headers.
const (
	HeaderAuthToken    = "X-Auth-Token"
	HeaderRelativePath = "X-File-Relative-Path"
	HeaderLastModified = "X-File-Last-Modified"
	HeaderChecksum     = "X-File-Checksum"
)

// Routes, relative to APIPrefix.
const (
	RouteRegister      = "/users/register"
	RouteLogin         = "/users/login"
	RouteLogout        = "/users/logout"
	RouteMe            = "/users/me"
	RouteUpload        = "/files/upload"
	RouteDownload      = "/files/download"
	RouteList          = "/files/list"
	RouteMkdir         = "/files/mkdir"
	RouteDelete        = "/files/delete"
	RouteRename        = "/files/rename"
	RouteSyncManifest  = "/sync/manifest"
	RouteSharedStorage = "/shared/storage"
	RouteSharedAccess  = "/shared/access"
)

// CredentialsRequest is the register/login body.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserData describes an account in responses.
type UserData struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
	HomeDir  string `json:"home_dir,omitempty"`
}

// DataResponse wraps a successful payload.
type DataResponse struct {
	Data UserData `json:"data"`
}

// StatusResponse reports success or a structured error.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// MkdirRequest is the mkdir body.
type MkdirRequest struct {
	Path string `json:"path"`
}

// RenameRequest is the rename body.
type RenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// ManifestRequest is the client manifest.
type ManifestRequest struct {
	ClientFiles []reconcile.ClientItem `json:"client_files"`
}

// ManifestResponse carries the planned operations.
type ManifestResponse struct {
	SyncOperations []reconcile.Operation `json:"sync_operations"`
}

// SharedStorageRequest creates a shared storage.
type SharedStorageRequest struct {
	StorageName string `json:"storage_name"`
}

// SharedAccessRequest grants or revokes shared access.
type SharedAccessRequest struct {
	StorageName string `json:"storage_name"`
	TargetUser  string `json:"target_user"`
	Permission  string `json:"permission"`
}

// ListEntry is one row of a listing response.
type ListEntry struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDirectory  bool   `json:"is_directory"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
}

// ListResponse is the listing body.
type ListResponse struct {
	Listing []ListEntry `json:"listing"`
}
