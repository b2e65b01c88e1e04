package theory_build

import (
	"gorm.io/gorm"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	theoryrepo "github.com/theoriahq/theoria-backend/internal/data/repos/theory"
	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/steps"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
	"github.com/theoriahq/theoria-backend/internal/platform/vector"
)

type Pipeline struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   researchrepo.ProjectRepo
	categories researchrepo.CategoryRepo
	fragments  researchrepo.FragmentRepo
	theories   theoryrepo.TheoryRepo
	claims     theoryrepo.ClaimRepo
	graph      *neo4jdb.Client
	ai         openai.Client
	vectors    *vector.ScopedStore
	rules      steps.JudgeRules
	namespace  string
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects researchrepo.ProjectRepo,
	categories researchrepo.CategoryRepo,
	fragments researchrepo.FragmentRepo,
	theories theoryrepo.TheoryRepo,
	claims theoryrepo.ClaimRepo,
	graph *neo4jdb.Client,
	ai openai.Client,
	vectors *vector.ScopedStore,
	rules steps.JudgeRules,
	namespace string,
) *Pipeline {
	return &Pipeline{
		db:         db,
		log:        baseLog.With("task", domain.TaskTypeTheoryBuild),
		projects:   projects,
		categories: categories,
		fragments:  fragments,
		theories:   theories,
		claims:     claims,
		graph:      graph,
		ai:         ai,
		vectors:    vectors,
		rules:      rules,
		namespace:  namespace,
	}
}

func (p *Pipeline) Type() string { return domain.TaskTypeTheoryBuild }
