package billing

import (
	"gorm.io/gorm"

	"github.com/cursolab/CursoLab/internal/pkg/env"
	"github.com/cursolab/CursoLab/internal/pkg/tax"
)

// Stack bundles the fully wired billing services. Controllers build one
// per process and share it.
type Stack struct {
	Repo     Repository
	Client   ProcessorClient
	Identity *IdentityMapper
	Sync     *Synchronizer
	Activity *ActivityLogger
	Service  *Service
	Pipeline *Pipeline
	Auditor  *Auditor
}

// NewStackFromDB wires the billing subsystem over a database handle with
// the processor credentials taken from the environment.
func NewStackFromDB(db *gorm.DB, notifier PaymentNotifier, metrics PipelineMetrics) *Stack {
	client := NewStripeClient(
		env.GetEnv("STRIPE_SECRET_KEY", ""),
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
	)
	return NewStack(db, client, notifier, metrics)
}

// NewStack is NewStackFromDB with an injectable processor client.
func NewStack(db *gorm.DB, client ProcessorClient, notifier PaymentNotifier, metrics PipelineMetrics) *Stack {
	repo := NewRepository(db)
	activity := NewActivityLogger(repo)
	retry := DefaultRetryConfig()
	identity := NewIdentityMapper(repo, client, activity, retry)
	syncer := NewSynchronizer(repo, identity, activity)
	rates := tax.NewRateEnsurer(client)

	return &Stack{
		Repo:     repo,
		Client:   client,
		Identity: identity,
		Sync:     syncer,
		Activity: activity,
		Service:  NewService(repo, client, identity, syncer, activity, rates),
		Pipeline: NewPipeline(repo, client, identity, syncer, activity, notifier, metrics),
		Auditor:  NewAuditor(repo, client, syncer, activity, retry),
	}
}
