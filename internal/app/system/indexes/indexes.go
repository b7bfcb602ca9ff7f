// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection names not owned by a configurable setting.
const (
	usersCollection       = "users"
	positionsCollection   = "positions"
	apartmentsCollection  = "apartments"
	checkpointsCollection = "watch_checkpoints"
)

/*
EnsureAll is called at startup. Each ensure* function is idempotent.
We aggregate errors so any problem is visible and startup can fail fast.
workItems is the configured name of the watched collection.
*/
func EnsureAll(ctx context.Context, db *mongo.Database, workItems string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := reconciler{log: logger}
	var problems []string

	if err := r.ensureWorkItems(ctx, db.Collection(workItems)); err != nil {
		problems = append(problems, workItems+": "+err.Error())
	}
	// recipient resolution reads users by building grant on every event
	if err := r.ensureUsers(ctx, db.Collection(usersCollection)); err != nil {
		problems = append(problems, usersCollection+": "+err.Error())
	}
	if err := r.ensurePositions(ctx, db.Collection(positionsCollection)); err != nil {
		problems = append(problems, positionsCollection+": "+err.Error())
	}
	if err := r.ensureApartments(ctx, db.Collection(apartmentsCollection)); err != nil {
		problems = append(problems, apartmentsCollection+": "+err.Error())
	}
	if err := r.ensureCheckpoints(ctx, db.Collection(checkpointsCollection)); err != nil {
		problems = append(problems, checkpointsCollection+": "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Core helper: reconcile a set of desired indexes for one collection         */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique *bool  `bson:"unique,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

func boolVal(b *bool) bool {
	return b != nil && *b
}

// Mongo/DocDB sometimes returns IndexOptionsConflict when an index with the
// same keys already exists under a different name (or options differ).
func isOptionsConflictErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "IndexOptionsConflict")
}

type reconciler struct {
	log *zap.Logger
}

// desired is one wanted index with its name and uniqueness pulled out.
type desired struct {
	model  mongo.IndexModel
	name   string
	unique bool
	sig    string
}

func describe(m mongo.IndexModel) desired {
	d := desired{model: m, sig: keySig(m.Keys.(bson.D))}
	if m.Options != nil {
		if m.Options.Name != nil {
			d.name = *m.Options.Name
		}
		d.unique = m.Options.Unique != nil && *m.Options.Unique
	}
	return d
}

func (r reconciler) existing(ctx context.Context, coll *mongo.Collection) map[string]existingIndex {
	out := map[string]existingIndex{} // sig -> index
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return out
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			r.log.Warn("failed to decode existing index",
				zap.String("collection", coll.Name()),
				zap.Error(err))
			continue
		}
		out[keySig(idx.Key)] = idx
	}
	return out
}

func (r reconciler) ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	var errs []string

	for _, m := range models {
		d := describe(m)
		start := time.Now()
		log := r.log.With(
			zap.String("collection", coll.Name()),
			zap.String("name", d.name),
			zap.String("keys", d.sig),
			zap.Bool("unique", d.unique))
		log.Debug("ensuring index")

		if ex, ok := r.existing(ctx, coll)[d.sig]; ok {
			if d.unique == boolVal(ex.Unique) && (d.name == "" || ex.Name == d.name) {
				log.Debug("reusing existing index", zap.Duration("took", time.Since(start)))
				continue
			}
			// Name or options differ: drop and recreate under the desired definition.
			if err := r.recreate(ctx, coll, ex.Name, d); err != nil {
				errs = append(errs, err.Error())
				continue
			}
			log.Info("index dropped and recreated", zap.String("from", ex.Name), zap.Duration("took", time.Since(start)))
			continue
		}

		created, err := coll.Indexes().CreateOne(ctx, m)
		if err == nil {
			log.Info("index ensured", zap.String("created_name", created), zap.Duration("took", time.Since(start)))
			continue
		}
		if isOptionsConflictErr(err) {
			// Same keys under another name appeared between listing and creating.
			if ex, ok := r.existing(ctx, coll)[d.sig]; ok {
				if rerr := r.recreate(ctx, coll, ex.Name, d); rerr != nil {
					errs = append(errs, rerr.Error())
					continue
				}
				log.Info("index dropped and recreated (post-conflict)", zap.Duration("took", time.Since(start)))
				continue
			}
		}
		log.Warn("index ensure failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		errs = append(errs, r.describeErr(coll, d, err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (r reconciler) recreate(ctx context.Context, coll *mongo.Collection, existingName string, d desired) error {
	if _, err := coll.Indexes().DropOne(ctx, existingName); err != nil {
		r.log.Warn("drop existing index failed",
			zap.String("collection", coll.Name()),
			zap.String("name", existingName),
			zap.Error(err))
		return fmt.Errorf("%s(%s): drop failed: %v", coll.Name(), d.name, err)
	}
	if _, err := coll.Indexes().CreateOne(ctx, d.model); err != nil {
		return errors.New(r.describeErr(coll, d, err))
	}
	return nil
}

func (r reconciler) describeErr(coll *mongo.Collection, d desired, err error) string {
	if wafflemongo.IsDup(err) && d.unique {
		return fmt.Sprintf("%s(%s): cannot create unique index (duplicates present)", coll.Name(), d.name)
	}
	return fmt.Sprintf("%s(%s): %v", coll.Name(), d.name, err)
}

/* -------------------------------------------------------------------------- */
/* Collection-specific index sets                                              */
/* -------------------------------------------------------------------------- */

func (r reconciler) ensureWorkItems(ctx context.Context, c *mongo.Collection) error {
	return r.ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Author's own list, newest first
		{
			Keys:    bson.D{{Key: "author_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_workitems_author_created"),
		},
		// Executer's queue filtered by status
		{
			Keys:    bson.D{{Key: "executer_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_workitems_executer_status"),
		},
		// Position backlog (sparse: admin-competency items have no position)
		{
			Keys:    bson.D{{Key: "position_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_workitems_position_status").SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "apartment_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_workitems_apartment_status"),
		},
	})
}

func (r reconciler) ensureUsers(ctx context.Context, c *mongo.Collection) error {
	return r.ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Multikey over grants: "everyone with access to building B"
		{
			Keys:    bson.D{{Key: "access.building_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_users_access_building_status"),
		},
	})
}

func (r reconciler) ensurePositions(ctx context.Context, c *mongo.Collection) error {
	return r.ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "building_id", Value: 1}, {Key: "title", Value: 1}},
			Options: options.Index().SetName("idx_positions_building_title"),
		},
		// Reverse lookup: positions a user staffs
		{
			Keys:    bson.D{{Key: "personnel", Value: 1}},
			Options: options.Index().SetName("idx_positions_personnel"),
		},
	})
}

func (r reconciler) ensureApartments(ctx context.Context, c *mongo.Collection) error {
	return r.ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "building_id", Value: 1}, {Key: "number", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_apartments_building_number"),
		},
	})
}

func (r reconciler) ensureCheckpoints(ctx context.Context, c *mongo.Collection) error {
	return r.ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Operators look for stale watchers by age
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("idx_checkpoints_updated"),
		},
	})
}
