package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hrygo/synthr/store"
)

const aiModelColumns = `id, created_ts, updated_ts, agent_id, model_type, version, status,
	architecture, training_config, performance_metrics, accuracy, checkpoint_hash, weights_hash`

func (d *DB) CreateAIModel(ctx context.Context, create *store.AIModel) (*store.AIModel, error) {
	fields := []string{"agent_id", "model_type", "version", "status", "architecture", "training_config", "performance_metrics", "accuracy", "checkpoint_hash", "weights_hash"}
	args := []any{
		create.AgentID, create.ModelType, create.Version, create.Status,
		jsonOrEmpty(create.Architecture), jsonOrEmpty(create.TrainingConfig), jsonOrEmpty(create.PerformanceMetrics),
		create.Accuracy, create.CheckpointHash, create.WeightsHash,
	}

	stmt := `INSERT INTO ai_models (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + aiModelColumns
	model, err := scanAIModel(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create ai model")
	}
	return model, nil
}

func (d *DB) ListAIModels(ctx context.Context, find *store.FindAIModel) ([]*store.AIModel, error) {
	where, args := aiModelWhere(find)
	query := `SELECT ` + aiModelColumns + ` FROM ai_models WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts DESC, id DESC` + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query ai models")
	}
	defer rows.Close()

	list := []*store.AIModel{}
	for rows.Next() {
		model, err := scanAIModel(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan ai model")
		}
		list = append(list, model)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate ai models")
	}
	return list, nil
}

func (d *DB) CountAIModels(ctx context.Context, find *store.FindAIModel) (int64, error) {
	where, args := aiModelWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_models WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count ai models")
	}
	return count, nil
}

func (d *DB) UpdateAIModel(ctx context.Context, update *store.UpdateAIModel) (*store.AIModel, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.Version; v != nil {
		set, args = append(set, "version = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Status; v != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Architecture; v != nil {
		set, args = append(set, "architecture = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.TrainingConfig; v != nil {
		set, args = append(set, "training_config = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.PerformanceMetrics; v != nil {
		set, args = append(set, "performance_metrics = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.Accuracy; v != nil {
		set, args = append(set, "accuracy = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.CheckpointHash; v != nil {
		set, args = append(set, "checkpoint_hash = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.WeightsHash; v != nil {
		set, args = append(set, "weights_hash = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)

	stmt := `UPDATE ai_models SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + aiModelColumns
	model, err := scanAIModel(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("ai model", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update ai model")
	}
	return model, nil
}

func (d *DB) DeleteAIModel(ctx context.Context, delete *store.DeleteAIModel) error {
	return d.deleteRow(ctx, "ai_models", "ai model", delete.ID)
}

func (d *DB) GetAIModelStats(ctx context.Context, modelType *store.ModelType) (*store.AIModelStats, error) {
	where, args := []string{"1 = 1"}, []any{}
	if modelType != nil {
		where, args = append(where, "model_type = "+placeholder(1)), append(args, *modelType)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*), AVG(accuracy), COUNT(accuracy)
		FROM ai_models WHERE `+strings.Join(where, " AND ")+` GROUP BY status`, args...)
	if err != nil {
		return nil, mapError(err, "failed to query ai model stats")
	}
	defer rows.Close()

	stats := &store.AIModelStats{ByStatus: map[store.ModelStatus]int64{}}
	var accuracySum float64
	var accuracyCount int64
	for rows.Next() {
		var status store.ModelStatus
		var count, withAccuracy int64
		var avg sql.NullFloat64
		if err := rows.Scan(&status, &count, &avg, &withAccuracy); err != nil {
			return nil, mapError(err, "failed to scan ai model stats")
		}
		stats.ByStatus[status] = count
		stats.Total += count
		if avg.Valid {
			accuracySum += avg.Float64 * float64(withAccuracy)
			accuracyCount += withAccuracy
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate ai model stats")
	}
	if accuracyCount > 0 {
		stats.AverageAccuracy = accuracySum / float64(accuracyCount)
	}
	return stats, nil
}

func aiModelWhere(find *store.FindAIModel) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.IDs))
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.ModelType; v != nil {
		where, args = append(where, "model_type = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Status; v != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	return where, args
}

func scanAIModel(row scanner) (*store.AIModel, error) {
	var model store.AIModel
	var accuracy sql.NullFloat64
	if err := row.Scan(
		&model.ID,
		&model.CreatedTs,
		&model.UpdatedTs,
		&model.AgentID,
		&model.ModelType,
		&model.Version,
		&model.Status,
		&model.Architecture,
		&model.TrainingConfig,
		&model.PerformanceMetrics,
		&accuracy,
		&model.CheckpointHash,
		&model.WeightsHash,
	); err != nil {
		return nil, err
	}
	model.Accuracy = nullFloat(accuracy)
	return &model, nil
}
