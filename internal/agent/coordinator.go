package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/homesyncd/homesync/internal/reconcile"
)

// drainBatch bounds how many queued changes one drain consumes at a
// time, so a storm of events cannot starve the sync itself.
const drainBatch = 10

// Coordinator runs the agent's sync loop: it waits for the tree to go
// dirty, builds a manifest, posts it, and applies the returned plan.
type Coordinator struct {
	cfg     Config
	client  *Client
	scanner *Scanner
	appData *AppData
	queue   *ChangeQueue
	ignore  *EventIgnoreSet
	wake    <-chan struct{}
	log     logrus.FieldLogger
	clock   clockwork.Clock
}

// NewCoordinator wires a coordinator over the agent's collaborators.
func NewCoordinator(cfg Config, client *Client, scanner *Scanner, appData *AppData, queue *ChangeQueue, ignore *EventIgnoreSet, wake <-chan struct{}, log logrus.FieldLogger, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		cfg:     cfg,
		client:  client,
		scanner: scanner,
		appData: appData,
		queue:   queue,
		ignore:  ignore,
		wake:    wake,
		log:     log,
		clock:   clock,
	}
}

// Run syncs once immediately, then again whenever the tree has been dirty
// for the quiet period or the sync interval elapses with changes pending.
// It returns when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.SyncOnce(ctx); err != nil {
		c.log.WithError(err).Error("initial sync failed")
	}

	interval := c.clock.NewTicker(c.cfg.SyncInterval)
	defer interval.Stop()
	dirty := false
	var quiet clockwork.Timer

	quietChan := func() <-chan time.Time {
		if quiet == nil {
			return nil
		}
		return quiet.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.wake:
			dirty = true
			if quiet == nil {
				quiet = c.clock.NewTimer(c.cfg.QuietPeriod)
			} else {
				quiet.Reset(c.cfg.QuietPeriod)
			}

		case <-quietChan():
			if dirty {
				dirty = false
				if err := c.SyncOnce(ctx); err != nil {
					c.log.WithError(err).Error("sync failed")
					dirty = true
				}
			}

		case <-interval.Chan():
			if dirty {
				dirty = false
				if err := c.SyncOnce(ctx); err != nil {
					c.log.WithError(err).Error("sync failed")
					dirty = true
				}
			}
		}
	}
}

// SyncOnce performs one full sync pass: forward pending renames, post
// the manifest, and apply the plan. A failed session is refreshed with a
// single relogin and retry.
func (c *Coordinator) SyncOnce(ctx context.Context) error {
	c.forwardRenames(ctx)

	items, err := c.scanner.Manifest()
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}

	operations, err := c.postManifest(ctx, items)
	if err != nil {
		return err
	}

	operations = reconcile.SortForApply(operations, c.isLocalDir)
	failures := 0
	for _, op := range operations {
		if err := c.apply(ctx, op); err != nil {
			failures++
			c.log.WithError(err).WithFields(logrus.Fields{
				"action": op.Action,
				"path":   op.RelativePath,
			}).Error("failed to apply operation")
		}
	}
	c.log.WithFields(logrus.Fields{
		"manifest":   len(items),
		"operations": len(operations),
		"failures":   failures,
	}).Info("sync pass complete")
	if failures > 0 {
		return fmt.Errorf("%d of %d operations failed", failures, len(operations))
	}
	return nil
}

func (c *Coordinator) postManifest(ctx context.Context, items []reconcile.ClientItem) ([]reconcile.Operation, error) {
	operations, err := c.client.SyncManifest(ctx, items)
	if !errors.Is(err, ErrAuthFailed) {
		return operations, err
	}
	c.client.InvalidateToken()
	if err := c.client.Login(ctx); err != nil {
		return nil, fmt.Errorf("relogin: %w", err)
	}
	return c.client.SyncManifest(ctx, items)
}

// forwardRenames replays locally observed renames against the server so
// metadata history follows the file instead of tombstoning one path and
// recreating another. Other change kinds only mark the tree dirty; the
// manifest walk covers them.
func (c *Coordinator) forwardRenames(ctx context.Context) {
	for {
		changes := c.queue.Drain(drainBatch)
		if len(changes) == 0 {
			return
		}
		for _, change := range changes {
			if change.Kind != ChangeRenamed {
				continue
			}
			if !c.appData.Known(change.Rel) {
				continue
			}
			if err := c.renameOnServer(ctx, change.Rel, change.NewRel); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"from": change.Rel,
					"to":   change.NewRel,
				}).Warn("rename not forwarded, falling back to delete and upload")
				continue
			}
			if err := c.appData.Rename(change.Rel, change.NewRel); err != nil {
				c.log.WithError(err).Warn("failed to persist rename in state file")
			}
		}
	}
}

func (c *Coordinator) renameOnServer(ctx context.Context, oldRel, newRel string) error {
	err := c.client.Rename(ctx, oldRel, newRel)
	if !errors.Is(err, ErrAuthFailed) {
		return err
	}
	c.client.InvalidateToken()
	if err := c.client.Login(ctx); err != nil {
		return fmt.Errorf("relogin: %w", err)
	}
	return c.client.Rename(ctx, oldRel, newRel)
}

func (c *Coordinator) apply(ctx context.Context, op reconcile.Operation) error {
	switch op.Action {
	case reconcile.NoAction:
		return c.appData.Record(op.RelativePath)

	case reconcile.UploadToServer:
		return c.applyUpload(ctx, op.RelativePath)

	case reconcile.DownloadToClient:
		return c.applyDownload(ctx, op.RelativePath)

	case reconcile.ConflictServerWins:
		return c.applyConflict(ctx, op.RelativePath)

	case reconcile.DeleteOnServer:
		// The server already executed the deletion while handling the
		// manifest; only the local record remains.
		return c.appData.Forget(op.RelativePath)

	case reconcile.DeleteOnClient:
		return c.applyLocalDelete(op.RelativePath)

	default:
		c.log.WithFields(logrus.Fields{"action": op.Action, "path": op.RelativePath}).Warn("ignoring unknown operation")
		return nil
	}
}

func (c *Coordinator) applyUpload(ctx context.Context, rel string) error {
	local := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel))
	info, err := os.Stat(local)
	if errors.Is(err, os.ErrNotExist) {
		// Deleted between walk and apply; the next pass will tombstone it.
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := c.client.Mkdir(ctx, rel); err != nil {
			return err
		}
		return c.appData.Record(rel)
	}
	if err := c.client.Upload(ctx, rel, local, info.ModTime().Unix()); err != nil {
		return err
	}
	return c.appData.Record(rel)
}

func (c *Coordinator) applyDownload(ctx context.Context, rel string) error {
	body, checksum, err := c.client.Download(ctx, rel)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && strings.Contains(apiErr.Message, "directory") {
			return c.applyLocalMkdir(rel)
		}
		return err
	}
	defer body.Close()
	if err := c.writeLocalAtomic(rel, body, checksum); err != nil {
		return err
	}
	return c.appData.Record(rel)
}

// applyConflict preserves the losing local copy under a timestamped name
// before the server version replaces the original path.
func (c *Coordinator) applyConflict(ctx context.Context, rel string) error {
	local := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel))
	conflictRel := conflictCopyName(rel, c.clock.Now())
	conflictPath := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(conflictRel))

	if _, err := os.Stat(local); err == nil {
		c.ignore.Expect(conflictRel)
		if err := os.Rename(local, conflictPath); err != nil {
			return fmt.Errorf("preserve local copy: %w", err)
		}
		c.log.WithFields(logrus.Fields{"path": rel, "saved_as": conflictRel}).Warn("conflict: keeping server version, local copy preserved")
	}
	return c.applyDownload(ctx, rel)
}

func (c *Coordinator) applyLocalMkdir(rel string) error {
	local := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel))
	c.ignore.Expect(rel)
	if err := os.MkdirAll(local, 0o755); err != nil {
		return err
	}
	return c.appData.Record(rel)
}

func (c *Coordinator) applyLocalDelete(rel string) error {
	local := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel))
	c.ignore.Expect(rel)
	if err := os.RemoveAll(local); err != nil {
		return err
	}
	return c.appData.Forget(rel)
}

// writeLocalAtomic stages the download next to its target and renames it
// into place, verifying the server checksum when one was sent.
func (c *Coordinator) writeLocalAtomic(rel string, content io.Reader, expectedChecksum string) error {
	local := filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".sync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if expectedChecksum != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != expectedChecksum {
			return fmt.Errorf("checksum mismatch for %s: got %s want %s", rel, got, expectedChecksum)
		}
	}
	c.ignore.Expect(rel)
	if err := os.Rename(tmpName, local); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *Coordinator) isLocalDir(rel string) bool {
	info, err := os.Stat(filepath.Join(c.cfg.WatcherRoot, filepath.FromSlash(rel)))
	return err == nil && info.IsDir()
}

// conflictCopyName derives the preserved-copy name for a losing local
// file, e.g. notes.txt at 2024-05-01 12:00:00 becomes
// notes_conflict_local_20240501120000.txt.
func conflictCopyName(rel string, now time.Time) string {
	ext := filepath.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	return stem + "_conflict_local_" + now.Format("20060102150405") + ext
}
