package notify

import "errors"

// Failure is one destination that could not be reached.
type Failure struct {
	Target string `json:"target"`
	Err    error  `json:"-"`
	Reason string `json:"reason"`
}

func NewFailure(channel, target string, err error) Failure {
	de := &DeliveryError{Channel: channel, Target: target, Err: err}
	return Failure{Target: target, Err: de, Reason: err.Error()}
}

// FanoutReport describes one registry fan-out.
type FanoutReport struct {
	Matched   int       `json:"matched"`
	Delivered int       `json:"delivered"`
	Failures  []Failure `json:"failures,omitempty"`
}

// BotReport describes one bot broadcast.
type BotReport struct {
	Skipped  bool      `json:"skipped,omitempty"`
	Sent     int       `json:"sent"`
	Failures []Failure `json:"failures,omitempty"`
}

// Report is the outcome of one delivery across channels.
type Report struct {
	Fanout FanoutReport `json:"fanout"`
	Bot    *BotReport   `json:"bot,omitempty"`
}

// Err joins every failure in the report, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, f := range r.Fanout.Failures {
		errs = append(errs, f.Err)
	}
	if r.Bot != nil {
		for _, f := range r.Bot.Failures {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}
