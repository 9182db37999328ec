package agent

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/homesyncd/homesync/internal/pathsafe"
)

// renameSettleWindow is how long a moved-from half waits for its
// moved-to half before being treated as a removal from the tree.
const renameSettleWindow = 2 * time.Second

const watchMask = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO

// Watcher observes the root recursively through inotify and feeds
// normalized changes into a queue. Raw inotify is used rather than a
// wrapper because rename correlation needs the event cookie, which
// wrappers do not surface.
type Watcher struct {
	root   string
	queue  *ChangeQueue
	ignore *EventIgnoreSet
	wake   chan struct{}
	log    logrus.FieldLogger
	clock  clockwork.Clock

	fd int

	mu      sync.Mutex
	wdToDir map[int]string
	dirToWd map[string]int
	pending map[uint32]pendingRename
	closed  bool
}

// pendingRename is the moved-from half of a rename awaiting its
// moved-to half with the same cookie.
type pendingRename struct {
	rel    string
	isDir  bool
	seenAt time.Time
}

// NewWatcher initializes inotify over root and watches every directory
// under it.
func NewWatcher(root string, queue *ChangeQueue, ignore *EventIgnoreSet, log logrus.FieldLogger, clock clockwork.Clock) (*Watcher, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	w := &Watcher{
		root:    root,
		queue:   queue,
		ignore:  ignore,
		wake:    make(chan struct{}, 1),
		log:     log,
		clock:   clock,
		fd:      fd,
		wdToDir: map[int]string{},
		dirToWd: map[string]int{},
		pending: map[uint32]pendingRename{},
	}
	if err := w.watchTree(root); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return w, nil
}

// Wake returns a channel that receives after changes are queued.
func (w *Watcher) Wake() <-chan struct{} { return w.wake }

// Run reads inotify events until Close. The fd is non-blocking and
// waited on with a bounded poll, so the loop notices Close within a
// second even when no events arrive. It also reaps rename halves whose
// moved-to never arrived, reporting them as removals.
func (w *Watcher) Run() {
	go w.reapLoop()
	buf := make([]byte, 64*1024)
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		if w.isClosed() {
			return
		}
		ready, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.failWatch(err)
			return
		}
		if ready == 0 {
			continue
		}
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			w.failWatch(err)
			return
		}
		w.handleBuffer(buf[:n])
	}
}

// failWatch reports a terminal watch error. The safest recovery for the
// tree is a rescan; a close-induced error is silent.
func (w *Watcher) failWatch(err error) {
	if w.isClosed() {
		return
	}
	w.log.WithError(err).Error("inotify read failed, requesting rescan")
	w.push(Change{Kind: ChangeRescan})
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return unix.Close(w.fd)
}

func (w *Watcher) handleBuffer(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameLen := int(raw.Len)
		name := ""
		if nameLen > 0 {
			nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = strings.TrimRight(string(nameBytes), "\x00")
		}
		offset += unix.SizeofInotifyEvent + nameLen
		w.handleEvent(raw.Wd, raw.Mask, raw.Cookie, name)
	}
}

func (w *Watcher) handleEvent(wd int32, mask, cookie uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		w.log.Warn("inotify queue overflowed, requesting rescan")
		w.push(Change{Kind: ChangeRescan})
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		w.dropWatch(int(wd))
		return
	}

	w.mu.Lock()
	dir, known := w.wdToDir[int(wd)]
	w.mu.Unlock()
	if !known || name == "" {
		return
	}
	// The agent's own staging temps never belong in the tree. Other
	// dot-prefixed names are user data and sync like anything else.
	if isTransientName(name) {
		return
	}

	abs := filepath.Join(dir, name)
	rel, err := pathsafe.Rel(w.root, abs)
	if err != nil {
		return
	}
	isDir := mask&unix.IN_ISDIR != 0

	switch {
	case mask&unix.IN_MOVED_FROM != 0:
		w.mu.Lock()
		w.pending[cookie] = pendingRename{rel: rel, isDir: isDir, seenAt: w.clock.Now()}
		w.mu.Unlock()

	case mask&unix.IN_MOVED_TO != 0:
		w.mu.Lock()
		from, matched := w.pending[cookie]
		if matched {
			delete(w.pending, cookie)
		}
		w.mu.Unlock()
		if isDir {
			w.addTreeWatches(abs)
		}
		if matched {
			if w.ignore.Consume(rel) {
				return
			}
			w.push(Change{Kind: ChangeRenamed, Rel: from.rel, NewRel: rel, IsDir: isDir})
			return
		}
		// Moved in from outside the tree: contents are new to us.
		if w.ignore.Consume(rel) {
			return
		}
		w.push(Change{Kind: ChangeCreated, Rel: rel, IsDir: isDir})
		if isDir {
			w.pushTreeCreated(abs)
		}

	case mask&unix.IN_CREATE != 0:
		if isDir {
			// Watch before reporting so nothing inside slips through
			// unobserved; files born inside before the watch landed are
			// reported by the tree sweep.
			w.addTreeWatches(abs)
			if !w.ignore.Consume(rel) {
				w.push(Change{Kind: ChangeCreated, Rel: rel, IsDir: true})
				w.pushTreeCreated(abs)
			}
			return
		}
		// Plain file creation is reported on close-write, once the
		// content is complete.

	case mask&unix.IN_CLOSE_WRITE != 0:
		if w.ignore.Consume(rel) {
			return
		}
		w.push(Change{Kind: ChangeWritten, Rel: rel})

	case mask&unix.IN_DELETE != 0:
		if w.ignore.Consume(rel) {
			return
		}
		w.push(Change{Kind: ChangeRemoved, Rel: rel, IsDir: isDir})
	}
}

// reapLoop expires rename halves whose moved-to half never arrived. Such
// a path left the tree and is a removal.
func (w *Watcher) reapLoop() {
	ticker := w.clock.NewTicker(renameSettleWindow / 2)
	defer ticker.Stop()
	for {
		<-ticker.Chan()
		now := w.clock.Now()
		var expired []pendingRename
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		for cookie, p := range w.pending {
			if now.Sub(p.seenAt) >= renameSettleWindow {
				delete(w.pending, cookie)
				expired = append(expired, p)
			}
		}
		w.mu.Unlock()
		for _, p := range expired {
			if w.ignore.Consume(p.rel) {
				continue
			}
			w.push(Change{Kind: ChangeRemoved, Rel: p.rel, IsDir: p.isDir})
		}
	}
}

func (w *Watcher) push(change Change) {
	w.queue.Push(change)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// watchTree adds watches for dir and every directory below it.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return w.addWatch(path)
	})
}

// addTreeWatches is watchTree with errors downgraded to logs, for use
// from the event path.
func (w *Watcher) addTreeWatches(dir string) {
	if err := w.watchTree(dir); err != nil {
		w.log.WithError(err).WithField("dir", dir).Warn("failed to extend watch")
	}
}

// pushTreeCreated reports everything already inside a newly watched
// directory as created.
func (w *Watcher) pushTreeCreated(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || path == dir {
			return nil
		}
		if isTransientName(d.Name()) {
			return nil
		}
		rel, err := pathsafe.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.push(Change{Kind: ChangeCreated, Rel: rel, IsDir: true})
			return nil
		}
		w.push(Change{Kind: ChangeWritten, Rel: rel})
		return nil
	})
}

func (w *Watcher) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(w.fd, dir, watchMask|unix.IN_ONLYDIR)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.wdToDir[wd] = dir
	w.dirToWd[dir] = wd
	w.mu.Unlock()
	return nil
}

func (w *Watcher) dropWatch(wd int) {
	w.mu.Lock()
	if dir, ok := w.wdToDir[wd]; ok {
		delete(w.wdToDir, wd)
		delete(w.dirToWd, dir)
	}
	w.mu.Unlock()
}
