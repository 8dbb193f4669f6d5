package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BankTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reu_transfers_total",
		Help: "Block transfers between local memory and the expansion bank",
	}, []string{"bank", "direction"})

	BankTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reu_transfer_bytes_total",
		Help: "Bytes moved between local memory and the expansion bank",
	}, []string{"bank", "direction"})

	BankCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reu_capacity_bytes",
		Help: "Size of the expansion bank",
	}, []string{"bank"})

	LayoutWeightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layout_weight_bytes",
		Help: "Bytes occupied by the weight region",
	})

	LayoutFirstFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layout_first_free_address",
		Help: "First free bank address after weights and run state",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_step_duration_seconds",
		Help:    "Duration of one forward pass",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	ForwardTransfers = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_step_transfers",
		Help:    "Bank transfers issued by one forward pass",
		Buckets: prometheus.ExponentialBuckets(16, 4, 10),
	})

	RopeRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rope_table_refresh_total",
		Help: "Times the rotary sine/cosine table was recomputed",
	})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generated_tokens_total",
		Help: "Tokens produced by the sampler",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prompt_tokens_total",
		Help: "Tokens forced from prompts",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "generation_duration_seconds",
		Help: "Wall time of complete generation runs",
	})

	TokensPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "generation_tokens_per_second",
		Help: "Throughput of the last generation run",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_tokens",
		Help:    "Token count produced per encode",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	TokenizerMerges = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_merges",
		Help:    "Pair merges performed per encode",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	SamplerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_decisions_total",
		Help: "Sampling decisions by mode",
	}, []string{"mode"})

	SamplerTemperature = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sampler_temperature",
		Help: "Configured sampling temperature",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)

// TransferCounters returns the transfer and byte counters of one bank and
// direction. direction is "in" (bank to local) or "out" (local to bank).
func TransferCounters(bank, direction string) (transfers, bytes prometheus.Counter) {
	return BankTransfersTotal.WithLabelValues(bank, direction),
		BankTransferBytes.WithLabelValues(bank, direction)
}

func RecordBankCapacity(bank string, bytes int) {
	BankCapacityBytes.WithLabelValues(bank).Set(float64(bytes))
}

func RecordLayout(weightBytes, firstFree uint32) {
	LayoutWeightBytes.Set(float64(weightBytes))
	LayoutFirstFree.Set(float64(firstFree))
}

func RecordForward(d time.Duration, transfers uint64) {
	ForwardDuration.Observe(d.Seconds())
	ForwardTransfers.Observe(float64(transfers))
}

func RecordRopeRefresh() {
	RopeRefreshes.Inc()
}

func RecordToken(forced bool) {
	if forced {
		PromptTokensTotal.Inc()
		return
	}
	GeneratedTokensTotal.Inc()
}

func RecordGeneration(tokens int, d time.Duration) {
	GenerationDuration.Observe(d.Seconds())
	if d > 0 {
		TokensPerSecond.Set(float64(tokens) / d.Seconds())
	}
}

func RecordTokenizerEncode(tokens, merges int) {
	TokenizerEncodeLength.Observe(float64(tokens))
	TokenizerMerges.Observe(float64(merges))
}

func RecordSample(mode string) {
	SamplerDecisions.WithLabelValues(mode).Inc()
}

func RecordSamplerTemperature(t float32) {
	SamplerTemperature.Set(float64(t))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
