// internal/app/workitems/watcher.go
package workitems

import (
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"github.com/dalemusser/workwatch/internal/domain/models"
)

// NewWatcher subscribes c to every insert, update, replace and delete on the
// work item collection. A single subscription keeps each item's events in
// commit order. Callers add name, cursor store, poll window and logger.
func NewWatcher(src changefeed.Source, c *Classifier, opts ...changefeed.Option) (*changefeed.Watcher[models.WorkItem], error) {
	base := []changefeed.Option{
		changefeed.WithOperationKinds(
			changefeed.OpInsert,
			changefeed.OpUpdate,
			changefeed.OpReplace,
			changefeed.OpDelete,
		),
	}
	return changefeed.New[models.WorkItem](src, c.Handle, append(base, opts...)...)
}
