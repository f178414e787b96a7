// Package noiseguard provides the high-level protection pipeline wiring
// anomaly detection, reputation tracking, budget accounting, and noise
// injection into a single client surface.
//
// The pipeline is the composition root's entry point: construct one from
// a config, prime it from storage, and feed it rule batches. Rules flow
// detector → engine; anomalous rules and budget-starved rules never leave
// the trust boundary.
package noiseguard

import (
	"context"
	"fmt"

	"github.com/TheEntropyCollective/noiseguard/pkg/anomaly"
	"github.com/TheEntropyCollective/noiseguard/pkg/common/config"
	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/engine"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/noise"
	"github.com/TheEntropyCollective/noiseguard/pkg/reputation"
	"github.com/TheEntropyCollective/noiseguard/pkg/storage/memory"
	"github.com/TheEntropyCollective/noiseguard/pkg/storage/postgres"
)

// Pipeline owns one configured instance of every core component. No
// hidden globals: everything is constructed and injected here.
type Pipeline struct {
	Detector *anomaly.Detector
	Tracker  *reputation.Tracker
	Budget   *budget.Manager
	Engine   *engine.Engine
	Guard    *anomaly.DuplicateGuard

	db     *postgres.Database
	logger *logging.Logger
}

// New constructs a pipeline from config, wiring the configured storage
// backend behind the budget manager and reputation tracker.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		budgetStorage     budget.Storage
		reputationStorage reputation.Storage
		db                *postgres.Database
	)
	switch cfg.Storage.Backend {
	case "postgres":
		var err error
		db, err = postgres.NewDatabase(ctx, &postgres.DatabaseConfig{
			ConnectionString: cfg.Storage.ConnectionString,
			MigrationsPath:   cfg.Storage.MigrationsPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		budgetStorage = postgres.NewBudgetStore(db)
		reputationStorage = postgres.NewReputationStore(db)
	default:
		budgetStorage = memory.NewBudgetStore()
		reputationStorage = memory.NewReputationStore()
	}

	budgetManager, err := budget.NewManager(cfg.Budget, budgetStorage)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	if err := budgetManager.LoadFromStorage(ctx); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	tracker := reputation.NewTracker(cfg.Reputation, reputationStorage)
	if err := tracker.LoadFromStorage(ctx); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	return &Pipeline{
		Detector: anomaly.NewDetector(cfg.Anomaly, tracker),
		Tracker:  tracker,
		Budget:   budgetManager,
		Engine:   engine.New(budgetManager, noise.NewGenerator()),
		Guard:    anomaly.NewDuplicateGuard(nil),
		db:       db,
		logger:   logging.GetGlobalLogger().WithComponent("pipeline"),
	}, nil
}

// BatchResult is the outcome of processing one contribution batch.
type BatchResult struct {
	// Protected holds the rules that survived anomaly filtering and
	// received noise. Fewer entries than Accepted means the budget ran
	// out mid-batch.
	Protected []*engine.PrivateRule `json:"protected"`

	// Accepted is the number of rules the detector classified normal.
	Accepted int `json:"accepted"`

	// Rejected holds the anomalous classifications.
	Rejected []*anomaly.FlaggedRule `json:"rejected"`

	// Duplicates is the number of rules dropped as repeat submissions
	// before detection ran.
	Duplicates int `json:"duplicates"`

	// Statistics is the batch's deviation baseline.
	Statistics anomaly.Statistics `json:"statistics"`
}

// Process runs one contribution batch through the full pipeline: anomaly
// detection (with reputation side effects when userID is non-empty), then
// noise injection for the surviving rules.
func (p *Pipeline) Process(ctx context.Context, batch []*rules.LearnedRule, userID string) (*BatchResult, error) {
	for _, rule := range batch {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule: %w", err)
		}
	}

	if userID != "" && !p.Tracker.CanContribute(userID) {
		p.logger.Warn("rejected batch from isolated contributor", map[string]interface{}{
			"batch_size": len(batch),
		})
		return &BatchResult{Protected: []*engine.PrivateRule{}}, nil
	}

	// Resubmission floods inflate apparent support without looking
	// statistically unusual, so duplicates are dropped before the
	// detector computes its baseline. Anonymous batches skip the guard:
	// with no contributor identity they would all share one namespace,
	// and unrelated contributors would flag each other's patterns.
	duplicates := 0
	filtered := batch
	if userID != "" {
		filtered = make([]*rules.LearnedRule, 0, len(batch))
		for _, rule := range batch {
			if p.Guard.Check(userID, rule.Pattern, rule.Category) {
				duplicates++
				continue
			}
			filtered = append(filtered, rule)
		}
	}
	if duplicates > 0 {
		p.logger.Warn("dropped duplicate submissions", map[string]interface{}{
			"duplicates": duplicates,
			"batch_size": len(batch),
		})
	}

	detection, err := p.Detector.Detect(filtered, userID)
	if err != nil {
		return nil, err
	}

	protected, err := p.Engine.ProtectRules(ctx, detection.NormalRules)
	if err != nil {
		return nil, err
	}

	return &BatchResult{
		Protected:  protected,
		Accepted:   len(detection.NormalRules),
		Rejected:   detection.AnomalousRules,
		Duplicates: duplicates,
		Statistics: detection.Statistics,
	}, nil
}

// UploadPayload projects a batch result into upload-safe form. This is
// the only data the aggregation service ever receives.
func (r *BatchResult) UploadPayload() []engine.UploadData {
	payload := make([]engine.UploadData, len(r.Protected))
	for i, p := range r.Protected {
		payload[i] = p.ToUploadData()
	}
	return payload
}

// ApplyConfig hot-swaps the tunable surfaces from a freshly loaded
// config. Suitable as a config.Watcher reload callback.
func (p *Pipeline) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.Detector.SetConfig(cfg.Anomaly)
	p.Tracker.SetConfig(cfg.Reputation)
	return p.Budget.SetConfig(ctx, cfg.Budget)
}

// Close releases the storage backend.
func (p *Pipeline) Close() {
	if p.db != nil {
		p.db.Close()
	}
}
