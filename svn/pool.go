package svn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

// pools reusable resources (ssh clients, protocol connections) by key.
//
// locking rules:
//   the pool lock only guards bookkeeping. It is never held while opening or closing a resource,
//   and no pool method is called while it is held, so a call chain that re-enters the pool
//   (e.g. a release during error cleanup) cannot deadlock.
//   idle disposal callbacks run on their own goroutine.

var ErrPoolShutdown = errors.New("pool is shut down")

type PoolKey struct {
	User                  string
	Host                  string
	Port                  int
	CredentialFingerprint string
}

func (self PoolKey) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", self.User, self.Host, self.Port, self.CredentialFingerprint)
}

type PoolSettings struct {
	// an idle resource scheduled for disposal is closed after this
	IdleTimeout time.Duration
	// this many idle resources are kept without a disposal timer
	IdleThreshold int
	// an exclusive resource is held by at most one handle at a time
	Exclusive bool
}

func DefaultPoolSettings() *PoolSettings {
	return &PoolSettings{
		IdleTimeout:   2 * time.Minute,
		IdleThreshold: 0,
	}
}

// resources may report that they can no longer be reused
type staleChecker interface {
	IsStale() bool
}

type OpenResourceFunction[R io.Closer] func(ctx context.Context) (R, error)

type poolEntry[R io.Closer] struct {
	id       Id
	key      PoolKey
	resource R
	refCount int
	// set while idle, identifies the idle period a disposal timer belongs to
	idleId Id
	closed bool

	closeOnce sync.Once
}

type Pool[R io.Closer] struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PoolSettings
	log      LogFunction

	idleCache *ttlcache.Cache[Id, *poolEntry[R]]

	stateLock sync.Mutex
	entries   map[PoolKey][]*poolEntry[R]
	idleCount int
	shutdown  bool
}

func NewPoolWithDefaults[R io.Closer](ctx context.Context) *Pool[R] {
	return NewPool[R](ctx, DefaultPoolSettings())
}

func NewPool[R io.Closer](ctx context.Context, settings *PoolSettings) *Pool[R] {
	cancelCtx, cancel := context.WithCancel(ctx)

	idleCache := ttlcache.New[Id, *poolEntry[R]](
		ttlcache.WithTTL[Id, *poolEntry[R]](settings.IdleTimeout),
	)

	pool := &Pool[R]{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		log:       LogFn(LogLevelDebug, "pool"),
		idleCache: idleCache,
		entries:   map[PoolKey][]*poolEntry[R]{},
	}

	idleCache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[Id, *poolEntry[R]]) {
		// deleted items were re-acquired or shut down
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// the callback runs under the cache lock
		go pool.dispose(item.Value(), item.Key())
	})

	go idleCache.Start()

	go func() {
		<-cancelCtx.Done()
		idleCache.Stop()
	}()

	return pool
}

// Acquire returns a handle to a pooled resource for the key, calling `open` when none can be reused.
func (self *Pool[R]) Acquire(ctx context.Context, key PoolKey, open OpenResourceFunction[R]) (*PoolHandle[R], error) {
	for {
		entry, idleId, stale, err := self.take(key)
		if err != nil {
			return nil, err
		}
		if stale != nil {
			self.closeEntry(stale, "stale")
			continue
		}
		if entry == nil {
			break
		}
		if idleId != (Id{}) {
			// cancel the pending disposal
			self.idleCache.Delete(idleId)
		}
		self.log("reuse %s %s", entry.key, entry.id)
		return newPoolHandle(self, entry), nil
	}

	resource, err := open(ctx)
	if err != nil {
		return nil, err
	}
	entry := &poolEntry[R]{
		id:       NewId(),
		key:      key,
		resource: resource,
		refCount: 1,
	}

	self.stateLock.Lock()
	if self.shutdown {
		self.stateLock.Unlock()
		resource.Close()
		return nil, ErrPoolShutdown
	}
	self.entries[key] = append(self.entries[key], entry)
	self.stateLock.Unlock()

	self.log("open %s %s", key, entry.id)
	return newPoolHandle(self, entry), nil
}

// take claims a reusable entry for the key, or returns a stale idle entry that the caller must close
func (self *Pool[R]) take(key PoolKey) (entry *poolEntry[R], idleId Id, stale *poolEntry[R], returnErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.shutdown {
		returnErr = ErrPoolShutdown
		return
	}
	for _, e := range self.entries[key] {
		if e.closed {
			continue
		}
		if self.settings.Exclusive && 0 < e.refCount {
			continue
		}
		if e.refCount == 0 {
			if checker, ok := any(e.resource).(staleChecker); ok && checker.IsStale() {
				self.removeLocked(e)
				stale = e
				idleId = e.idleId
				return
			}
			idleId = e.idleId
			e.idleId = Id{}
			self.idleCount -= 1
		}
		e.refCount += 1
		entry = e
		return
	}
	return
}

func (self *Pool[R]) removeLocked(entry *poolEntry[R]) {
	if entry.closed {
		return
	}
	entry.closed = true
	if entry.refCount == 0 {
		self.idleCount -= 1
	}
	entries := self.entries[entry.key]
	for i, e := range entries {
		if e == entry {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(self.entries, entry.key)
	} else {
		self.entries[entry.key] = entries
	}
}

func (self *Pool[R]) closeEntry(entry *poolEntry[R], reason string) {
	if entry.idleId != (Id{}) {
		self.idleCache.Delete(entry.idleId)
	}
	entry.closeOnce.Do(func() {
		self.log("close %s %s (%s)", entry.key, entry.id, reason)
		if err := guarded("pool", entry.resource.Close); err != nil {
			glog.Infof("[pool]close %s = %s\n", entry.id, err)
		}
	})
}

func (self *Pool[R]) release(entry *poolEntry[R]) {
	self.stateLock.Lock()
	entry.refCount -= 1
	if entry.closed {
		// discarded while held, the last holder closes it
		closeNow := entry.refCount == 0
		self.stateLock.Unlock()
		if closeNow {
			self.closeEntry(entry, "discard")
		}
		return
	}
	if 0 < entry.refCount {
		self.stateLock.Unlock()
		return
	}
	self.idleCount += 1
	idleId := NewId()
	entry.idleId = idleId
	schedule := self.settings.IdleThreshold < self.idleCount
	self.stateLock.Unlock()

	if schedule {
		self.log("idle %s %s, disposal in %s", entry.key, entry.id, self.settings.IdleTimeout)
		self.idleCache.Set(idleId, entry, ttlcache.DefaultTTL)
	}
}

// discard removes the entry once its last handle is gone and closes it
func (self *Pool[R]) discard(entry *poolEntry[R]) {
	self.stateLock.Lock()
	entry.refCount -= 1
	if entry.closed {
		closeNow := entry.refCount == 0
		self.stateLock.Unlock()
		if closeNow {
			self.closeEntry(entry, "discard")
		}
		return
	}
	if 0 < entry.refCount {
		// other holders keep the entry, it will not be reused
		self.removeLocked(entry)
		self.stateLock.Unlock()
		return
	}
	self.idleCount += 1
	self.removeLocked(entry)
	self.stateLock.Unlock()

	self.closeEntry(entry, "discard")
}

func (self *Pool[R]) dispose(entry *poolEntry[R], idleId Id) {
	self.stateLock.Lock()
	// re-acquired, or a newer idle period
	if entry.closed || 0 < entry.refCount || entry.idleId != idleId {
		self.stateLock.Unlock()
		return
	}
	self.removeLocked(entry)
	entry.idleId = Id{}
	self.stateLock.Unlock()

	glog.V(1).Infof("[pool]dispose idle %s %s\n", entry.key, entry.id)
	self.closeEntry(entry, "idle")
}

// Size returns the number of pooled resources and how many of them are idle.
func (self *Pool[R]) Size() (size int, idle int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, entries := range self.entries {
		size += len(entries)
	}
	idle = self.idleCount
	return
}

// Shutdown closes every pooled resource and rejects further acquires.
func (self *Pool[R]) Shutdown() {
	self.stateLock.Lock()
	if self.shutdown {
		self.stateLock.Unlock()
		return
	}
	self.shutdown = true
	entries := []*poolEntry[R]{}
	for _, keyEntries := range self.entries {
		for _, entry := range keyEntries {
			entry.closed = true
			entry.idleId = Id{}
			entries = append(entries, entry)
		}
	}
	self.entries = map[PoolKey][]*poolEntry[R]{}
	self.idleCount = 0
	self.stateLock.Unlock()

	self.idleCache.DeleteAll()
	for _, entry := range entries {
		self.closeEntry(entry, "shutdown")
	}
	self.cancel()
}

// PoolHandle is one holder's reference to a pooled resource.
type PoolHandle[R io.Closer] struct {
	pool  *Pool[R]
	entry *poolEntry[R]
	once  sync.Once
}

func newPoolHandle[R io.Closer](pool *Pool[R], entry *poolEntry[R]) *PoolHandle[R] {
	return &PoolHandle[R]{
		pool:  pool,
		entry: entry,
	}
}

func (self *PoolHandle[R]) Resource() R {
	return self.entry.resource
}

func (self *PoolHandle[R]) Id() Id {
	return self.entry.id
}

// Release returns the resource to the pool. Only the first call has an effect.
func (self *PoolHandle[R]) Release() {
	self.once.Do(func() {
		self.pool.release(self.entry)
	})
}

// Discard releases the handle and closes the resource instead of pooling it.
func (self *PoolHandle[R]) Discard() {
	self.once.Do(func() {
		self.pool.discard(self.entry)
	})
}
