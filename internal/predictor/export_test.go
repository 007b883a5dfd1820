package predictor

// Test hooks for the pure pieces of the inference path.
var (
	IntentFromAction = intentFromAction
	Normalize        = normalize
)

const FeatureDim = featureDim
