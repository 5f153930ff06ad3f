package optimistic

import (
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/replication"
)

// TableSource looks up mirrored tables.
type TableSource interface {
	GetTable(name string) (*replication.MirrorHandle, error)
}

// MirrorResolver builds queue context by walking entry → class → trial in
// the local mirrors. Missing rows leave their fields empty.
type MirrorResolver struct {
	Tables     TableSource
	LicenseKey string
}

// ResolveContext implements ContextResolver.
func (r MirrorResolver) ResolveContext(entryID int64) queue.ItemContext {
	ictx := queue.ItemContext{LicenseKey: r.LicenseKey}

	entry, ok := r.row(model.TableEntries, entryID)
	if !ok {
		return ictx
	}
	if n, ok := model.AsInt64(entry[model.ColArmband]); ok {
		ictx.Armband = int(n)
	}
	classID, ok := model.AsInt64(entry[model.ColClassID])
	if !ok {
		return ictx
	}
	ictx.ClassID = classID

	class, ok := r.row(model.TableClasses, classID)
	if !ok {
		return ictx
	}
	ictx.ClassLabel = model.ClassLabel(class)

	trialID, ok := model.AsInt64(class[model.ColTrialID])
	if !ok {
		return ictx
	}
	trial, ok := r.row(model.TableTrials, trialID)
	if !ok {
		return ictx
	}
	if s, ok := trial[model.ColTrialDate].(string); ok {
		ictx.TrialDate = s
	}
	if n, ok := model.AsInt64(trial[model.ColTrialNumber]); ok {
		ictx.TrialNumber = int(n)
	}
	return ictx
}

func (r MirrorResolver) row(table string, id int64) (model.Row, bool) {
	if r.Tables == nil {
		return nil, false
	}
	h, err := r.Tables.GetTable(table)
	if err != nil {
		return nil, false
	}
	return h.Get(id)
}
