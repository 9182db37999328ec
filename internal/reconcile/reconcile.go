// Package reconcile turns a client manifest and the server's metadata view
// into a deterministic operation plan.
package reconcile

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/homesyncd/homesync/internal/access"
	"github.com/homesyncd/homesync/internal/metadata"
	"github.com/homesyncd/homesync/internal/pathsafe"
)

// Action is a server-to-client instruction type.
type Action string

const (
	NoAction           Action = "NO_ACTION"
	UploadToServer     Action = "UPLOAD_TO_SERVER"
	DownloadToClient   Action = "DOWNLOAD_TO_CLIENT"
	DeleteOnServer     Action = "DELETE_ON_SERVER"
	ConflictServerWins Action = "CONFLICT_SERVER_WINS"

	// DeleteOnClient is accepted by clients but never planned here:
	// server-driven deletes reach clients only through their own deletion
	// tombstones today.
	// TODO: decide whether the planner should emit DELETE_ON_CLIENT for
	// paths tombstoned server-side while the client was offline.
	DeleteOnClient Action = "DELETE_ON_CLIENT"

	// CreateConflictCopyOnServer is declared for a future conflict policy
	// that keeps both copies; the current policy is server-wins.
	CreateConflictCopyOnServer Action = "CREATE_CONFLICT_COPY_ON_SERVER"
)

// ClientItem is one manifest entry: a path the client holds, or a deletion
// tombstone for a path it no longer holds.
type ClientItem struct {
	RelativePath string `json:"relative_path"`
	LastModified int64  `json:"last_modified"`
	Checksum     string `json:"checksum"`
	IsDirectory  bool   `json:"is_directory"`
	IsDeleted    bool   `json:"is_deleted"`
}

// Operation is a single planned instruction.
type Operation struct {
	Action       Action `json:"sync_action_type"`
	RelativePath string `json:"relative_path"`
}

// MetadataSource is the slice of the metadata store the planner reads.
type MetadataSource interface {
	QueryLiveUnder(ctx context.Context, prefix string) ([]metadata.FileMetadata, error)
}

// PermissionSource filters the server view down to what the user may read.
type PermissionSource interface {
	Permission(ctx context.Context, userID int64, absPath string) (access.Level, error)
}

// Planner produces operation plans from manifests.
type Planner struct {
	meta  MetadataSource
	perms PermissionSource
}

// NewPlanner returns a planner over the given sources.
func NewPlanner(meta MetadataSource, perms PermissionSource) *Planner {
	return &Planner{meta: meta, perms: perms}
}

// Plan compares the client manifest against the server's live view under
// syncRoot, restricted to paths the user may read, and returns one
// operation per path in the union of both sides.
//
// Per client item, the first matching rule wins:
//  1. deletion tombstone: DeleteOnServer if the path is live server-side,
//     otherwise NoAction;
//  2. directory: UploadToServer if absent server-side, else NoAction;
//  3. present both sides: equal checksums heal timestamp drift to
//     NoAction; equal mtimes with differing content is
//     ConflictServerWins; otherwise the newer mtime side wins with
//     UploadToServer or DownloadToClient;
//  4. absent server-side: UploadToServer.
//
// Every live server path the manifest never mentioned becomes
// DownloadToClient.
func (p *Planner) Plan(ctx context.Context, userID int64, syncRoot string, items []ClientItem) ([]Operation, error) {
	serverView, err := p.serverView(ctx, userID, syncRoot)
	if err != nil {
		return nil, err
	}

	operations := make([]Operation, 0, len(items)+len(serverView))
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		rel := normalizeRel(item.RelativePath)
		if rel == "" || seen[rel] {
			continue
		}
		seen[rel] = true
		server, onServer := serverView[rel]

		switch {
		case item.IsDeleted:
			if onServer {
				operations = append(operations, Operation{DeleteOnServer, rel})
			} else {
				operations = append(operations, Operation{NoAction, rel})
			}
		case item.IsDirectory:
			if onServer {
				operations = append(operations, Operation{NoAction, rel})
			} else {
				operations = append(operations, Operation{UploadToServer, rel})
			}
		case onServer:
			operations = append(operations, Operation{compareFile(item, server), rel})
		default:
			operations = append(operations, Operation{UploadToServer, rel})
		}
	}

	missing := make([]string, 0, len(serverView))
	for rel := range serverView {
		if !seen[rel] {
			missing = append(missing, rel)
		}
	}
	sort.Strings(missing)
	for _, rel := range missing {
		operations = append(operations, Operation{DownloadToClient, rel})
	}
	return operations, nil
}

func compareFile(client ClientItem, server metadata.FileMetadata) Action {
	switch {
	case client.Checksum == server.Checksum:
		return NoAction
	case client.LastModified == server.LastModified:
		return ConflictServerWins
	case client.LastModified > server.LastModified:
		return UploadToServer
	default:
		return DownloadToClient
	}
}

func (p *Planner) serverView(ctx context.Context, userID int64, syncRoot string) (map[string]metadata.FileMetadata, error) {
	rows, err := p.meta.QueryLiveUnder(ctx, syncRoot)
	if err != nil {
		return nil, err
	}
	view := make(map[string]metadata.FileMetadata, len(rows))
	for _, row := range rows {
		level, err := p.perms.Permission(ctx, userID, row.Path)
		if err != nil {
			return nil, err
		}
		if level < access.Read {
			continue
		}
		rel, err := pathsafe.Rel(syncRoot, row.Path)
		if err != nil {
			continue
		}
		view[rel] = row
	}
	return view, nil
}

// SortForApply orders operations so that directory-creating uploads run
// shallowest-first before everything else, the order clients must apply.
func SortForApply(operations []Operation, isLocalDir func(rel string) bool) []Operation {
	dirCreates := make([]Operation, 0, len(operations))
	rest := make([]Operation, 0, len(operations))
	for _, op := range operations {
		if op.Action == UploadToServer && isLocalDir != nil && isLocalDir(op.RelativePath) {
			dirCreates = append(dirCreates, op)
			continue
		}
		rest = append(rest, op)
	}
	sort.SliceStable(dirCreates, func(i, j int) bool {
		return strings.Count(dirCreates[i].RelativePath, "/") < strings.Count(dirCreates[j].RelativePath, "/")
	})
	return append(dirCreates, rest...)
}

func normalizeRel(rel string) string {
	rel = strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return ""
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}
