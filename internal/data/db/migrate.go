package db

import (
	"gorm.io/gorm"

	research "github.com/theoriahq/theoria-backend/internal/domain/research"
	tasks "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	theory "github.com/theoriahq/theoria-backend/internal/domain/theory"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// Research corpus
		&research.Project{},
		&research.Interview{},
		&research.Fragment{},
		&research.Code{},
		&research.CodeFragment{},
		&research.Category{},
		&research.CategoryCode{},

		// Generated theory
		&theory.Theory{},
		&theory.Claim{},

		// Task orchestration
		&tasks.TaskRun{},
	)
}
