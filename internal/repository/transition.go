package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Transition moves the row identified by id to status `to`, but only while its
// current status is one of from. updates are written in the same statement.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - db: database handle or open transaction.
//   - model: pointer to a zero value of the entity, used to resolve the table.
//   - id: primary key of the row.
//   - from: statuses the row may currently hold.
//   - to: target status.
//   - updates: additional columns to set; may be nil.
// Returns:
//   - bool: true if exactly one row moved, false if the row was in another status or missing.
//   - error: non-nil if the update fails.
func Transition(ctx context.Context, db *gorm.DB, model interface{}, id string, from []string, to string, updates map[string]interface{}) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	values := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to
	values["updated_at"] = time.Now()

	var moved bool
	err := retryOnBusy(ctx, func() error {
		res := db.WithContext(ctx).Model(model).
			Where("id = ? AND status IN ?", id, from).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		moved = res.RowsAffected == 1
		return nil
	})
	return moved, err
}

func statusStrings[S ~string](statuses ...S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
