package svn

import (
	"context"
	"errors"
)

var (
	lockManyTemplate   = MustCompileTemplate("(?s)f(*(s(?n)))")
	lockArgsTemplate   = MustCompileTemplate("s(?s)f(?n)")
	lockResponse       = MustCompileTemplate("[(l)]")
	lockItemTemplate   = MustCompileTemplate("[l]")
	unlockManyTemplate = MustCompileTemplate("f(*(s(?s)))")
	unlockTemplate     = MustCompileTemplate("s(?s)f")
	unlockItemTemplate = MustCompileTemplate("[(s)]")
	getLockTemplate    = MustCompileTemplate("s")
	getLocksTemplate   = MustCompileTemplate("s?w")
)

// LockHandler is called once per requested path, in request order,
// with either the lock or the error for that path.
type LockHandler func(path string, lock *Lock, err error) error

// Lock locks each path. Paths that fail to lock are reported to `handleLock`,
// they do not fail the call.
func (self *Session) Lock(ctx context.Context, requests []*LockRequest, comment string, steal bool, handleLock LockHandler) error {
	wirePaths := make([]string, 0, len(requests))
	items := make([][]any, 0, len(requests))
	for _, request := range requests {
		wirePath, err := self.wirePath(request.Path)
		if err != nil {
			return err
		}
		wirePaths = append(wirePaths, wirePath)
		items = append(items, []any{wirePath, request.Revision})
	}

	args := []any{optionalText(comment), steal, items}
	err := self.command(ctx, "lock-many", lockManyTemplate, args, nil)
	if errors.Is(notImplemented("lock-many", err), ErrNotImplemented) {
		return self.lockEach(ctx, requests, wirePaths, comment, steal, handleLock)
	}
	if err != nil {
		return err
	}

	i := 0
	sink := newRecordSink(ctx, func(value Value) error {
		if len(requests) <= i {
			return malformedf("more lock results than paths")
		}
		path := requests[i].Path
		i += 1
		var lockValue Value
		if err := value.Unpack(lockItemTemplate, &lockValue); err != nil {
			if isServerFailure(err) {
				return handleLock(path, nil, err)
			}
			return err
		}
		lock, err := unpackLock(lockValue)
		if err != nil {
			return err
		}
		return handleLock(path, lock, nil)
	})
	return self.readRecords(sink)
}

// lockEach is the fallback for servers without lock-many
func (self *Session) lockEach(ctx context.Context, requests []*LockRequest, wirePaths []string, comment string, steal bool, handleLock LockHandler) error {
	for i, request := range requests {
		var lockValue Value
		args := []any{wirePaths[i], optionalText(comment), steal, request.Revision}
		err := self.command(ctx, "lock", lockArgsTemplate, args, lockResponse, &lockValue)
		if err != nil {
			err = notImplemented("lock", err)
			if !isServerFailure(err) {
				return err
			}
			if err := handleLock(request.Path, nil, err); err != nil {
				return err
			}
			continue
		}
		lock, err := unpackLock(lockValue)
		if err != nil {
			return err
		}
		if err := handleLock(request.Path, lock, nil); err != nil {
			return err
		}
	}
	return nil
}

// Unlock releases each path. Paths that fail to unlock are reported to `handleUnlock`.
// `breakLock` releases locks owned by others.
func (self *Session) Unlock(ctx context.Context, requests []*UnlockRequest, breakLock bool, handleUnlock LockHandler) error {
	wirePaths := make([]string, 0, len(requests))
	items := make([][]any, 0, len(requests))
	for _, request := range requests {
		wirePath, err := self.wirePath(request.Path)
		if err != nil {
			return err
		}
		wirePaths = append(wirePaths, wirePath)
		items = append(items, []any{wirePath, optionalText(request.Token)})
	}

	err := self.command(ctx, "unlock-many", unlockManyTemplate, []any{breakLock, items}, nil)
	if errors.Is(notImplemented("unlock-many", err), ErrNotImplemented) {
		return self.unlockEach(ctx, requests, wirePaths, breakLock, handleUnlock)
	}
	if err != nil {
		return err
	}

	i := 0
	sink := newRecordSink(ctx, func(value Value) error {
		if len(requests) <= i {
			return malformedf("more unlock results than paths")
		}
		path := requests[i].Path
		i += 1
		if err := value.Unpack(unlockItemTemplate, nil); err != nil {
			if isServerFailure(err) {
				return handleUnlock(path, nil, err)
			}
			return err
		}
		return handleUnlock(path, nil, nil)
	})
	return self.readRecords(sink)
}

// unlockEach is the fallback for servers without unlock-many
func (self *Session) unlockEach(ctx context.Context, requests []*UnlockRequest, wirePaths []string, breakLock bool, handleUnlock LockHandler) error {
	for i, request := range requests {
		args := []any{wirePaths[i], optionalText(request.Token), breakLock}
		err := self.command(ctx, "unlock", unlockTemplate, args, emptyResponseTemplate)
		if err != nil {
			err = notImplemented("unlock", err)
			if !isServerFailure(err) {
				return err
			}
		}
		if err := handleUnlock(request.Path, nil, err); err != nil {
			return err
		}
	}
	return nil
}

// GetLock returns nil when the path is not locked.
func (self *Session) GetLock(ctx context.Context, path string) (*Lock, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	var lockValue Value
	if err := self.command(ctx, "get-lock", getLockTemplate, []any{wirePath}, optionalListResponse, &lockValue); err != nil {
		return nil, notImplemented("get-lock", err)
	}
	if !lockValue.IsList() {
		return nil, nil
	}
	return unpackLock(lockValue)
}

// GetLocks returns the locks on `path` and below it, to `depth`.
func (self *Session) GetLocks(ctx context.Context, path string, depth Depth) ([]*Lock, error) {
	wirePath, err := self.wirePath(path)
	if err != nil {
		return nil, err
	}
	var lockValues []Value
	if err := self.command(ctx, "get-locks", getLocksTemplate, []any{wirePath, depth.wire()}, listResponse, &lockValues); err != nil {
		return nil, notImplemented("get-locks", err)
	}
	locks := make([]*Lock, 0, len(lockValues))
	for _, lockValue := range lockValues {
		lock, err := unpackLock(lockValue)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}
