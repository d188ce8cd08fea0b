package authenticators

import (
	"context"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/verify"
)

// mfaPriority is the order secondary factors are offered and tried in.
var mfaPriority = []directory.Kind{directory.KindTOTP, directory.KindRecoveryCodes}

// Set is the loaded factors of one user, at most one per kind.
type Set struct {
	byKind map[directory.Kind]Factor
}

func (s *Set) add(f Factor) {
	if _, ok := s.byKind[f.Kind()]; ok {
		return
	}
	s.byKind[f.Kind()] = f
}

func (s *Set) Has(kind directory.Kind) bool {
	if s == nil {
		return false
	}
	_, ok := s.byKind[kind]
	return ok
}

func (s *Set) Get(kind directory.Kind) (Factor, bool) {
	if s == nil {
		return nil, false
	}
	f, ok := s.byKind[kind]
	return f, ok
}

// MFA returns the secondary factors in priority order.
func (s *Set) MFA() []Factor {
	if s == nil {
		return nil
	}
	var out []Factor
	for _, k := range mfaPriority {
		if f, ok := s.byKind[k]; ok {
			out = append(out, f)
		}
	}
	return out
}

// VerifyMFA checks presented against the factor of kind method, or against
// each MFA factor in priority order when method is empty. It returns the kind
// that accepted the value.
func (s *Set) VerifyMFA(ctx context.Context, method directory.Kind, presented string, now time.Time) (verify.Outcome, directory.Kind, error) {
	candidates := s.MFA()
	if method != "" {
		f, ok := s.Get(method)
		if !ok || !isMFA(method) {
			return verify.Invalid, "", ErrNoFactor
		}
		candidates = []Factor{f}
	}
	if len(candidates) == 0 {
		return verify.Invalid, "", ErrNoFactor
	}

	for _, f := range candidates {
		out, err := f.Verify(ctx, presented, now)
		if err != nil {
			return verify.Invalid, "", err
		}
		if out == verify.OK {
			return verify.OK, f.Kind(), nil
		}
	}
	return verify.Invalid, "", nil
}

func isMFA(k directory.Kind) bool {
	for _, m := range mfaPriority {
		if m == k {
			return true
		}
	}
	return false
}
