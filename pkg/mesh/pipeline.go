package mesh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/credmesh/credmesh/pkg/fault"
)

// Pipeline wires the mesh stages together: submitted envelopes fan out to a
// pool of validator workers, verdicts are collected into batches, and each
// batch is aggregated and sealed. Every stage stops on context cancellation;
// closing the input drains in-flight work before the final flush.
type Pipeline struct {
	validators []*Node
	state      *ValidatorState
	aggregator *Node
	sealer     *Node
	chain      *SealChain
	policyHash string
	batchSize  int
	logger     *slog.Logger

	in      chan *Envelope
	once    sync.Once
	results struct {
		mu         sync.Mutex
		aggregates []*Aggregate
		seals      []*Seal
	}
}

// PipelineConfig configures a pipeline run.
type PipelineConfig struct {
	Validators []*Node
	State      *ValidatorState
	Aggregator *Node
	Sealer     *Node
	Chain      *SealChain
	PolicyHash string
	BatchSize  int
	Logger     *slog.Logger
}

// NewPipeline validates the wiring and returns an idle pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if len(cfg.Validators) == 0 {
		return nil, fault.Field("validators", "at least one validator is required")
	}
	if cfg.Aggregator == nil || cfg.Sealer == nil {
		return nil, fault.Field("nodes", "aggregator and sealer are required")
	}
	for _, v := range cfg.Validators {
		if !v.Has(RoleValidator) {
			return nil, fault.Newf(fault.KindAuthorityDeny, "node %s lacks the validator capability", v.NodeID)
		}
	}
	state := cfg.State
	if state == nil {
		state = NewValidatorState(0)
	}
	chain := cfg.Chain
	if chain == nil {
		chain = NewSealChain()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	return &Pipeline{
		validators: cfg.Validators,
		state:      state,
		aggregator: cfg.Aggregator,
		sealer:     cfg.Sealer,
		chain:      chain,
		policyHash: cfg.PolicyHash,
		batchSize:  batch,
		logger:     logger,
		in:         make(chan *Envelope, batch),
	}, nil
}

// Submit queues an envelope for validation. Returns false once the input is
// closed or the context is done.
func (p *Pipeline) Submit(ctx context.Context, env *Envelope) bool {
	select {
	case p.in <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting envelopes. Run drains what was already submitted.
func (p *Pipeline) Close() {
	p.once.Do(func() { close(p.in) })
}

// Run drives the pipeline until the input is closed and drained, or the
// context is cancelled. It blocks; callers run it in a goroutine when they
// need to keep submitting.
func (p *Pipeline) Run(ctx context.Context) error {
	verdicts := make(chan *Validation, p.batchSize)

	var workers sync.WaitGroup
	for _, v := range p.validators {
		workers.Add(1)
		go func(node *Node) {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-p.in:
					if !ok {
						return
					}
					verdict, err := node.Validate(p.state, env)
					if err != nil {
						p.logger.Error("validation failed",
							"validator", node.NodeID, "envelope", env.EnvelopeID, "err", err)
						continue
					}
					if verdict == nil {
						continue // duplicate
					}
					select {
					case verdicts <- verdict:
					case <-ctx.Done():
						return
					}
				}
			}
		}(v)
	}
	go func() {
		workers.Wait()
		close(verdicts)
	}()

	batch := make([]*Validation, 0, p.batchSize)
	for verdict := range verdicts {
		batch = append(batch, verdict)
		if len(batch) >= p.batchSize {
			if err := p.flush(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := p.flush(batch); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Pipeline) flush(batch []*Validation) error {
	agg, err := p.aggregator.Aggregate(batch)
	if err != nil {
		return err
	}
	seal, err := p.sealer.SealSnapshot(p.chain, p.policyHash, agg.SnapshotHash)
	if err != nil {
		return err
	}
	p.results.mu.Lock()
	p.results.aggregates = append(p.results.aggregates, agg)
	p.results.seals = append(p.results.seals, seal)
	p.results.mu.Unlock()
	p.logger.Info("sealed snapshot",
		"aggregate", agg.AggregateID, "seal", seal.SealHash, "chain_length", seal.ChainLength)
	return nil
}

// Aggregates returns the snapshots flushed so far.
func (p *Pipeline) Aggregates() []*Aggregate {
	p.results.mu.Lock()
	defer p.results.mu.Unlock()
	out := make([]*Aggregate, len(p.results.aggregates))
	copy(out, p.results.aggregates)
	return out
}

// Seals returns the chain links produced so far.
func (p *Pipeline) Seals() []*Seal {
	p.results.mu.Lock()
	defer p.results.mu.Unlock()
	out := make([]*Seal, len(p.results.seals))
	copy(out, p.results.seals)
	return out
}
