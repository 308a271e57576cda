package segment

import "github.com/harunnryd/dengar/pkg/frames"

// Classifier labels frames as speech or silence against a threshold that
// follows a decaying recent peak.
type Classifier struct {
	staticThreshold float64
	dynamicFactor   float64
	peakDecay       float64
	recentPeak      float64
}

func NewClassifier(cfg Config) *Classifier {
	cfg = cfg.WithDefaults()
	return &Classifier{
		staticThreshold: cfg.StaticThreshold,
		dynamicFactor:   cfg.DynamicFactor,
		peakDecay:       cfg.PeakDecay,
	}
}

// Classify returns the frame energy and whether it counts as speech.
func (c *Classifier) Classify(samples []int16) (float64, bool) {
	energy := frames.RMS(samples)
	c.recentPeak = max(frames.Peak(samples), c.recentPeak*c.peakDecay)
	return energy, energy > c.Threshold()
}

func (c *Classifier) Threshold() float64 {
	return max(c.staticThreshold, c.dynamicFactor*c.recentPeak)
}

func (c *Classifier) RecentPeak() float64 { return c.recentPeak }
