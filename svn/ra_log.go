package svn

import (
	"context"
)

var (
	logTemplate         = MustCompileTemplate("(*s)(?n)(?n)ff?nfw(*s)")
	logEntryTemplate    = MustCompileTemplate("((*l)n(?s)(?s)(?s)?f?f?n?(*p)?f)")
	changedPathTemplate = MustCompileTemplate("(sw(?s?n)?(?w?w?w))")
)

const (
	logAllRevisionProps = "all-revprops"
	logRevisionProps    = "revprops"
)

type LogRequest struct {
	// empty for the session location
	Paths         []string
	StartRevision Revision
	EndRevision   Revision
	// 0 for no limit
	Limit                  int64
	ChangedPaths           bool
	StrictNodeHistory      bool
	IncludeMergedRevisions bool
	// nil for all revision properties
	RevisionProps []string
}

func (self *LogRequest) revisionPropsWord() string {
	if self.RevisionProps == nil {
		return logAllRevisionProps
	}
	return logRevisionProps
}

// Log calls `handleEntry` for each log entry as it is read.
// After the handler returns an error or the context is cancelled, the remaining entries
// are read and dropped, and the error is returned.
func (self *Session) Log(ctx context.Context, request *LogRequest, handleEntry func(*LogEntry) error) error {
	paths := request.Paths
	if len(paths) == 0 {
		paths = []string{""}
	}
	wirePaths, err := self.wirePaths(paths)
	if err != nil {
		return err
	}
	args := []any{
		wirePaths,
		request.StartRevision,
		request.EndRevision,
		request.ChangedPaths,
		request.StrictNodeHistory,
		request.Limit,
		request.IncludeMergedRevisions,
		request.revisionPropsWord(),
		request.RevisionProps,
	}
	if err := self.command(ctx, "log", logTemplate, args, nil); err != nil {
		return err
	}
	sink := newRecordSink(ctx, func(value Value) error {
		entry, err := unpackLogEntry(value)
		if err != nil {
			return err
		}
		return handleEntry(entry)
	})
	return self.readRecords(sink)
}

func unpackLogEntry(value Value) (*LogEntry, error) {
	entry := &LogEntry{}
	var changes []Value
	if err := value.Unpack(
		logEntryTemplate,
		&changes,
		&entry.Revision,
		&entry.Author,
		&entry.Date,
		&entry.Message,
		&entry.HasChildren,
		&entry.InvalidRevision,
		nil,
		&entry.RevisionProps,
		&entry.SubtractiveMerge,
	); err != nil {
		return nil, err
	}
	for _, change := range changes {
		changedPath, err := unpackChangedPath(change)
		if err != nil {
			return nil, err
		}
		entry.ChangedPaths = append(entry.ChangedPaths, changedPath)
	}
	return entry, nil
}

func unpackChangedPath(value Value) (*ChangedPath, error) {
	changedPath := &ChangedPath{}
	var kind string
	if err := value.Unpack(
		changedPathTemplate,
		&changedPath.Path,
		&changedPath.Action,
		&changedPath.CopyFromPath,
		&changedPath.CopyFromRevision,
		&kind,
		&changedPath.TextModified,
		&changedPath.PropsModified,
	); err != nil {
		return nil, err
	}
	if kind == "" {
		changedPath.Kind = NodeUnknown
		return changedPath, nil
	}
	var err error
	if changedPath.Kind, err = parseNodeKind(kind); err != nil {
		return nil, err
	}
	return changedPath, nil
}
