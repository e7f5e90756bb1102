package automation

import (
	"context"
	"math/rand"
)

// Kind names one automated operation.
type Kind string

const (
	KindCreateAccount    Kind = "create_account"
	KindRegisterPlatform Kind = "register_platform"
	KindAirdrop          Kind = "airdrop_participation"
)

// Attempt describes one automation run against an external platform.
type Attempt struct {
	Kind         Kind
	Email        string
	Platform     string
	Campaign     string
	Actions      []string
	ProxyAddress string
	UserAgent    string
}

// Capability performs the actual browser/platform automation. The
// production implementation lives outside this system; a real driver
// (e.g. a Playwright-backed one) plugs in here.
type Capability interface {
	Attempt(ctx context.Context, attempt Attempt) (bool, error)
}

// Probabilistic is the stand-in capability: each kind succeeds with a
// fixed probability and never errors.
type Probabilistic struct {
	rates map[Kind]float64
}

func NewProbabilistic() *Probabilistic {
	return &Probabilistic{
		rates: map[Kind]float64{
			KindCreateAccount:    0.9,
			KindRegisterPlatform: 0.8,
			KindAirdrop:          0.75,
		},
	}
}

func (p *Probabilistic) Attempt(_ context.Context, attempt Attempt) (bool, error) {
	rate, ok := p.rates[attempt.Kind]
	if !ok {
		rate = 0.5
	}
	return rand.Float64() < rate, nil
}

// Fixed always returns the configured outcome. Used in tests.
type Fixed struct {
	Success bool
	Err     error
}

func (f Fixed) Attempt(context.Context, Attempt) (bool, error) {
	return f.Success, f.Err
}
