package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
//
// Update methods always bump updated_ts and return the stored row. Update and
// delete return ErrNotFound when no row has the given id. Unique and foreign key
// violations are reported as ErrConflict.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// SystemSetting model related methods.
	UpsertSystemSetting(ctx context.Context, upsert *SystemSetting) (*SystemSetting, error)
	ListSystemSettings(ctx context.Context, find *FindSystemSetting) ([]*SystemSetting, error)

	// User model related methods.
	CreateUser(ctx context.Context, create *User) (*User, error)
	ListUsers(ctx context.Context, find *FindUser) ([]*User, error)
	CountUsers(ctx context.Context, find *FindUser) (int64, error)
	UpdateUser(ctx context.Context, update *UpdateUser) (*User, error)
	DeleteUser(ctx context.Context, delete *DeleteUser) error
	GetUserStats(ctx context.Context, userID int32) (*UserStats, error)

	// Agent model related methods.
	CreateAgent(ctx context.Context, create *Agent) (*Agent, error)
	ListAgents(ctx context.Context, find *FindAgent) ([]*Agent, error)
	CountAgents(ctx context.Context, find *FindAgent) (int64, error)
	UpdateAgent(ctx context.Context, update *UpdateAgent) (*Agent, error)
	DeleteAgent(ctx context.Context, delete *DeleteAgent) error
	GetAgentStats(ctx context.Context, agentID int32) (*AgentStats, error)

	// AIModel model related methods.
	CreateAIModel(ctx context.Context, create *AIModel) (*AIModel, error)
	ListAIModels(ctx context.Context, find *FindAIModel) ([]*AIModel, error)
	CountAIModels(ctx context.Context, find *FindAIModel) (int64, error)
	UpdateAIModel(ctx context.Context, update *UpdateAIModel) (*AIModel, error)
	DeleteAIModel(ctx context.Context, delete *DeleteAIModel) error
	GetAIModelStats(ctx context.Context, modelType *ModelType) (*AIModelStats, error)

	// TrainingJob model related methods.
	CreateTrainingJob(ctx context.Context, create *TrainingJob) (*TrainingJob, error)
	ListTrainingJobs(ctx context.Context, find *FindTrainingJob) ([]*TrainingJob, error)
	CountTrainingJobs(ctx context.Context, find *FindTrainingJob) (int64, error)
	UpdateTrainingJob(ctx context.Context, update *UpdateTrainingJob) (*TrainingJob, error)
	DeleteTrainingJob(ctx context.Context, delete *DeleteTrainingJob) error
	GetTrainingJobStats(ctx context.Context, agentID *int32) (*TrainingJobStats, error)

	// Transaction model related methods.
	CreateTransaction(ctx context.Context, create *Transaction) (*Transaction, error)
	ListTransactions(ctx context.Context, find *FindTransaction) ([]*Transaction, error)
	CountTransactions(ctx context.Context, find *FindTransaction) (int64, error)
	UpdateTransaction(ctx context.Context, update *UpdateTransaction) (*Transaction, error)
	DeleteTransaction(ctx context.Context, delete *DeleteTransaction) error
	GetTransactionStats(ctx context.Context, userID *int32) (*TransactionStats, error)

	// Review model related methods.
	CreateReview(ctx context.Context, create *Review) (*Review, error)
	ListReviews(ctx context.Context, find *FindReview) ([]*Review, error)
	CountReviews(ctx context.Context, find *FindReview) (int64, error)
	UpdateReview(ctx context.Context, update *UpdateReview) (*Review, error)
	DeleteReview(ctx context.Context, delete *DeleteReview) error
	GetReviewStats(ctx context.Context, agentID, userID *int32) (*ReviewStats, error)
}
