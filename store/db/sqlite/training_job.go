package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hrygo/synthr/store"
)

const trainingJobColumns = `id, created_ts, updated_ts, agent_id, model_id, status, epochs_completed,
	current_loss, current_accuracy, progress, error_message, training_config, metrics,
	validation_results, resources_used, compute_time`

func (d *DB) CreateTrainingJob(ctx context.Context, create *store.TrainingJob) (*store.TrainingJob, error) {
	fields := []string{
		"agent_id", "model_id", "status", "epochs_completed", "current_loss", "current_accuracy", "progress",
		"error_message", "training_config", "metrics", "validation_results", "resources_used", "compute_time",
	}
	args := []any{
		create.AgentID, create.ModelID, create.Status, create.EpochsCompleted, create.CurrentLoss, create.CurrentAccuracy, create.Progress,
		create.ErrorMessage, jsonOrEmpty(create.TrainingConfig), jsonOrEmpty(create.Metrics), jsonOrEmpty(create.ValidationResults), jsonOrEmpty(create.ResourcesUsed), create.ComputeTime,
	}

	stmt := `INSERT INTO training_jobs (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + trainingJobColumns
	job, err := scanTrainingJob(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create training job")
	}
	return job, nil
}

func (d *DB) ListTrainingJobs(ctx context.Context, find *store.FindTrainingJob) ([]*store.TrainingJob, error) {
	where, args := trainingJobWhere(find)
	query := `SELECT ` + trainingJobColumns + ` FROM training_jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts DESC, id DESC` + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query training jobs")
	}
	defer rows.Close()

	list := []*store.TrainingJob{}
	for rows.Next() {
		job, err := scanTrainingJob(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan training job")
		}
		list = append(list, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate training jobs")
	}
	return list, nil
}

func (d *DB) CountTrainingJobs(ctx context.Context, find *store.FindTrainingJob) (int64, error) {
	where, args := trainingJobWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_jobs WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count training jobs")
	}
	return count, nil
}

func (d *DB) UpdateTrainingJob(ctx context.Context, update *store.UpdateTrainingJob) (*store.TrainingJob, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.Status; v != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.EpochsCompleted; v != nil {
		set, args = append(set, "epochs_completed = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.CurrentLoss; v != nil {
		set, args = append(set, "current_loss = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.CurrentAccuracy; v != nil {
		set, args = append(set, "current_accuracy = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Progress; v != nil {
		set, args = append(set, "progress = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.ErrorMessage; v != nil {
		set, args = append(set, "error_message = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Metrics; v != nil {
		set, args = append(set, "metrics = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.ValidationResults; v != nil {
		set, args = append(set, "validation_results = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.ResourcesUsed; v != nil {
		set, args = append(set, "resources_used = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.ComputeTime; v != nil {
		set, args = append(set, "compute_time = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)

	stmt := `UPDATE training_jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + trainingJobColumns
	job, err := scanTrainingJob(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("training job", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update training job")
	}
	return job, nil
}

func (d *DB) DeleteTrainingJob(ctx context.Context, delete *store.DeleteTrainingJob) error {
	return d.deleteRow(ctx, "training_jobs", "training job", delete.ID)
}

func (d *DB) GetTrainingJobStats(ctx context.Context, agentID *int32) (*store.TrainingJobStats, error) {
	where, args := []string{"1 = 1"}, []any{}
	if agentID != nil {
		where, args = append(where, "agent_id = "+placeholder(1)), append(args, *agentID)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(compute_time), 0), COALESCE(SUM(current_accuracy), 0), COUNT(current_accuracy)
		FROM training_jobs WHERE `+strings.Join(where, " AND ")+` GROUP BY status`, args...)
	if err != nil {
		return nil, mapError(err, "failed to query training job stats")
	}
	defer rows.Close()

	stats := &store.TrainingJobStats{ByStatus: map[store.TrainingStatus]int64{}}
	var computeSum, accuracySum float64
	var accuracyCount int64
	for rows.Next() {
		var status store.TrainingStatus
		var count, withAccuracy, compute int64
		var accuracy float64
		if err := rows.Scan(&status, &count, &compute, &accuracy, &withAccuracy); err != nil {
			return nil, mapError(err, "failed to scan training job stats")
		}
		stats.ByStatus[status] = count
		stats.TotalJobs += count
		computeSum += float64(compute)
		accuracySum += accuracy
		accuracyCount += withAccuracy
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate training job stats")
	}
	if stats.TotalJobs > 0 {
		stats.AvgComputeTime = computeSum / float64(stats.TotalJobs)
	}
	if accuracyCount > 0 {
		stats.AvgAccuracy = accuracySum / float64(accuracyCount)
	}
	return stats, nil
}

func trainingJobWhere(find *store.FindTrainingJob) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id IN ("+placeholders(len(find.IDs))+")"), append(args, int32Args(find.IDs)...)
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.ModelID; v != nil {
		where, args = append(where, "model_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(find.Statuses))+")")
		for _, s := range find.Statuses {
			args = append(args, s)
		}
	}
	return where, args
}

func scanTrainingJob(row scanner) (*store.TrainingJob, error) {
	var job store.TrainingJob
	var loss, accuracy sql.NullFloat64
	if err := row.Scan(
		&job.ID,
		&job.CreatedTs,
		&job.UpdatedTs,
		&job.AgentID,
		&job.ModelID,
		&job.Status,
		&job.EpochsCompleted,
		&loss,
		&accuracy,
		&job.Progress,
		&job.ErrorMessage,
		&job.TrainingConfig,
		&job.Metrics,
		&job.ValidationResults,
		&job.ResourcesUsed,
		&job.ComputeTime,
	); err != nil {
		return nil, err
	}
	job.CurrentLoss = nullFloat(loss)
	job.CurrentAccuracy = nullFloat(accuracy)
	return &job, nil
}
