// Package predictor wraps an ONNX policy network that scores each symbol's
// feature vector as a continuous action in [-1, 1]. The predictor is
// optional: a missing or unloadable model disables it and the loop runs
// rule-based only.
package predictor

import (
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/tradenova/trading-core/pkg/types"
)

// AgentID identifies predictor intents in ensemble attribution and logs.
const AgentID = "rl"

// Action thresholds: the dead zone between them maps to flat.
const (
	longThreshold  = 0.2
	shortThreshold = -0.2
)

// featureDim is the model's input width; normalize must stay in sync.
const featureDim = 12

// Config points at the model and names its graph inputs.
type Config struct {
	ModelPath      string
	SharedLibrary  string
	InputName      string
	OutputName     string
	SmoothingAlpha float64
}

// DefaultConfig returns standard predictor settings with no model loaded.
func DefaultConfig() Config {
	return Config{
		InputName:      "input",
		OutputName:     "output",
		SmoothingAlpha: 0.3,
	}
}

var ortInit sync.Once

// Predictor runs the policy session and smooths raw actions per symbol
// across cycles so single-cycle noise does not whipsaw the ensemble.
type Predictor struct {
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	enabled  bool
	smoothed map[string]float64
}

// New loads the model at cfg.ModelPath. An empty path or a load failure
// yields a disabled predictor, never an error: inference is an enhancement,
// not a dependency.
func New(logger *zap.Logger, cfg Config) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		cfg.SmoothingAlpha = 0.3
	}

	p := &Predictor{
		logger:   logger.Named("predictor"),
		config:   cfg,
		smoothed: make(map[string]float64),
	}

	if cfg.ModelPath == "" {
		p.logger.Info("no model configured, predictor disabled")
		return p
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		p.logger.Warn("model file missing, predictor disabled",
			zap.String("path", cfg.ModelPath), zap.Error(err))
		return p
	}

	if err := p.load(); err != nil {
		p.logger.Warn("model load failed, predictor disabled",
			zap.String("path", cfg.ModelPath), zap.Error(err))
		return p
	}

	p.enabled = true
	p.logger.Info("policy model loaded", zap.String("path", cfg.ModelPath))
	return p
}

func (p *Predictor) load() error {
	if p.config.SharedLibrary != "" {
		ort.SetSharedLibraryPath(p.config.SharedLibrary)
	}

	var initErr error
	ortInit.Do(func() {
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetGraphOptimizationLevel(1); err != nil {
		return fmt.Errorf("set optimization level: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		p.config.ModelPath,
		[]string{p.config.InputName},
		[]string{p.config.OutputName},
		options,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	p.session = session
	return nil
}

// Enabled reports whether a model is loaded.
func (p *Predictor) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Predict scores the symbol's features. Returns nil when disabled or when
// the smoothed action lands in the flat dead zone. Inference failures
// disable the predictor for the rest of the session.
func (p *Predictor) Predict(symbol string, f *types.FeatureVector) (*types.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return nil, nil
	}

	action, err := p.run(normalize(f))
	if err != nil {
		p.enabled = false
		p.logger.Error("inference failed, predictor disabled for session", zap.Error(err))
		return nil, fmt.Errorf("predict %s: %w", symbol, err)
	}

	action = math.Max(-1, math.Min(1, action))
	prev, seen := p.smoothed[symbol]
	if !seen {
		prev = action
	}
	s := p.config.SmoothingAlpha*action + (1-p.config.SmoothingAlpha)*prev
	p.smoothed[symbol] = s

	return intentFromAction(symbol, s), nil
}

func (p *Predictor) run(features []float32) (float64, error) {
	input, err := ort.NewTensor(ort.NewShape(1, featureDim), features)
	if err != nil {
		return 0, fmt.Errorf("input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return 0, fmt.Errorf("run session: %w", err)
	}

	data := output.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty model output")
	}
	return float64(data[0]), nil
}

// Close releases the session. The runtime environment stays alive for the
// process: sessions may be recreated after Close.
func (p *Predictor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Destroy()
		p.session = nil
	}
	p.enabled = false
}

// intentFromAction maps a smoothed action to an intent; the dead zone
// returns nil. Confidence is the action magnitude.
func intentFromAction(symbol string, action float64) *types.Intent {
	var dir types.Direction
	switch {
	case action > longThreshold:
		dir = types.DirectionLong
	case action < shortThreshold:
		dir = types.DirectionShort
	default:
		return nil
	}
	return &types.Intent{
		Symbol:     symbol,
		Direction:  dir,
		Confidence: math.Abs(action),
		AgentID:    AgentID,
		Reasoning:  fmt.Sprintf("policy action %.3f", action),
	}
}

// normalize maps the feature vector onto the model's fixed input layout.
// Ratios are centered at zero, bounded ranges scaled to [0, 1].
func normalize(f *types.FeatureVector) []float32 {
	rel := func(v float64) float64 {
		if f.Price <= 0 {
			return 0
		}
		return v/f.Price - 1
	}
	vwapGap := 0.0
	if f.VWAP > 0 {
		vwapGap = f.Price/f.VWAP - 1
	}
	return []float32{
		float32(rel(f.EMA9)),
		float32(rel(f.EMA21)),
		float32(rel(f.SMA20)),
		float32(f.RSI14 / 100),
		float32(rel(f.Price - f.ATR14)), // ATR as a fraction below price
		float32(f.ADX14 / 100),
		float32(vwapGap),
		float32(f.Hurst),
		float32(math.Tanh(f.Slope * 100)),
		float32(f.RSquared),
		float32(math.Min(1, f.RealizedVol)),
		float32(math.Min(1, float64(len(f.UnfilledFVGs()))/4)),
	}
}
