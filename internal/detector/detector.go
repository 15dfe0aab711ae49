package detector

import (
	"context"
	"time"

	"cyclewatch/internal/graph"
	"cyclewatch/internal/ingestion"
	"cyclewatch/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Config holds detector configuration.
type Config struct {
	Search SearchConfig
}

// Detector is the single consumer of the candidate queue. For each
// candidate it applies the decoded reserve changes speculatively, ranks the
// cycles they touch and reverts, emitting the best opportunity found.
type Detector struct {
	config  Config
	state   *graph.State
	queue   *ingestion.Queue
	decoder *ingestion.Decoder
	metrics *metrics.Metrics

	// Results channel
	opportunitiesCh chan *Opportunity
}

// NewDetector creates a new detector reading from queue.
func NewDetector(cfg Config, state *graph.State, queue *ingestion.Queue, m *metrics.Metrics) *Detector {
	cfg.Search = cfg.Search.withDefaults()
	return &Detector{
		config:          cfg,
		state:           state,
		queue:           queue,
		decoder:         ingestion.NewDecoder(),
		metrics:         m,
		opportunitiesCh: make(chan *Opportunity, 100),
	}
}

// Opportunities returns the channel for detected opportunities. It is
// closed when Run returns.
func (d *Detector) Opportunities() <-chan *Opportunity {
	return d.opportunitiesCh
}

// Run consumes candidates until ctx is canceled. On return the queue is
// closed so the producer stops.
func (d *Detector) Run(ctx context.Context) error {
	defer close(d.opportunitiesCh)
	defer d.queue.Close()

	log.Info().
		Str("base_token", d.state.BaseToken().Hex()).
		Int("cycles", d.state.NumCycles()).
		Int("top_k", d.config.Search.TopK).
		Str("min_profit_wei", d.config.Search.MinProfit.Dec()).
		Msg("Starting detector")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-d.queue.Candidates():
			if opp := d.ProcessCandidate(c); opp != nil {
				d.emit(opp)
			}
		}
	}
}

// ProcessCandidate evaluates one candidate and returns its best opportunity,
// or nil if it carries no Sync events or nothing clears the profit floor.
func (d *Detector) ProcessCandidate(c *ingestion.Candidate) *Opportunity {
	updates := d.decoder.DecodeCallLogs(c.Logs)
	if len(updates) == 0 {
		return nil
	}

	changed := make([]common.Address, 0, len(updates))
	for _, u := range updates {
		changed = append(changed, u.Pool)
	}

	var (
		best      *Opportunity
		evaluated int
	)
	startTime := time.Now()
	d.state.Speculate(updates, func(v *graph.View) {
		ids := CycleIDs(v, changed)
		evaluated = len(ids)
		if opps := RankCycles(v, ids, d.config.Search); len(opps) > 0 {
			best = opps[0]
		}
	})
	detectionDuration := time.Since(startTime)

	if d.metrics != nil {
		d.metrics.RecordDetectionLatency(detectionDuration, evaluated)
	}

	if best == nil {
		log.Trace().
			Str("tx", c.Tx.Hash().Hex()).
			Int("updates", len(updates)).
			Int("cycles", evaluated).
			Dur("detection_time", detectionDuration).
			Msg("No profitable cycle")
		return nil
	}

	best.TxHash = c.Tx.Hash()
	best.DetectionLatency = time.Since(c.ReceivedAt)
	return best
}

// DetectAll ranks every cycle against live reserves.
func (d *Detector) DetectAll() []*Opportunity {
	var opps []*Opportunity
	d.state.Read(func(v *graph.View) {
		opps = FindOptimalCycles(v, nil, d.config.Search)
	})
	return opps
}

func (d *Detector) emit(opp *Opportunity) {
	if d.metrics != nil {
		d.metrics.RecordProfitableOpportunity()
		d.metrics.RecordPipelineLatency(opp.DetectionLatency)
	}

	select {
	case d.opportunitiesCh <- opp:
	default:
		log.Warn().Str("tx", opp.TxHash.Hex()).Msg("Opportunity channel full")
	}
}
