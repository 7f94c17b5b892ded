package store

import (
	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/store/cache"
)

// Store provides database access to all raw objects, fronted by the cache.
type Store struct {
	profile *profile.Profile
	driver  Driver
	cache   cache.Store

	users        *UserRepository
	agents       *AgentRepository
	aiModels     *AIModelRepository
	trainingJobs *TrainingJobRepository
	transactions *TransactionRepository
	reviews      *ReviewRepository
}

// New creates a new instance of Store. A nil cache disables caching.
func New(driver Driver, profile *profile.Profile, c cache.Store) *Store {
	if c == nil {
		c = cache.Nop{}
	}
	return &Store{
		profile:      profile,
		driver:       driver,
		cache:        c,
		users:        newUserRepository(driver, c),
		agents:       newAgentRepository(driver, c),
		aiModels:     newAIModelRepository(driver, c),
		trainingJobs: newTrainingJobRepository(driver, c),
		transactions: newTransactionRepository(driver, c),
		reviews:      newReviewRepository(driver, c),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Cache() cache.Store {
	return s.cache
}

func (s *Store) Users() *UserRepository { return s.users }

func (s *Store) Agents() *AgentRepository { return s.agents }

func (s *Store) AIModels() *AIModelRepository { return s.aiModels }

func (s *Store) TrainingJobs() *TrainingJobRepository { return s.trainingJobs }

func (s *Store) Transactions() *TransactionRepository { return s.transactions }

func (s *Store) Reviews() *ReviewRepository { return s.reviews }

// Close closes the cache and then the database.
func (s *Store) Close() error {
	if err := s.cache.Close(); err != nil {
		return err
	}
	return s.driver.Close()
}
