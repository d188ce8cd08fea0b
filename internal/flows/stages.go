package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/authenticators"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/internal/verify"
	"github.com/MrEthical07/authflow/provider"
)

// external is the result of a verification done outside the session update.
type external struct {
	outcome verify.Outcome
	kind    directory.Kind
}

// resolve finds the account for identifier. Unknown and inactive accounts
// both come back as a nil user without error.
func (m *Machine) resolve(ctx context.Context, identifier string) (*directory.User, *authenticators.Set, error) {
	user, err := m.deps.Directory.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, nil
	}
	set, err := m.deps.Factors.Load(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, set, nil
}

func (m *Machine) userOf(ctx context.Context, sess *stores.LoginSession) (*directory.User, error) {
	if sess.UserRef == "" {
		return nil, nil
	}
	user, err := m.deps.Directory.GetUser(ctx, sess.UserRef)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !user.Active {
		return nil, nil
	}
	return user, nil
}

// plan lists the stages for a login, primary first. For an unknown user the
// list depends only on configuration.
func (m *Machine) plan(primary Stage, user *directory.User, set *authenticators.Set) []Stage {
	pending := []Stage{primary}
	for _, stage := range m.cfg.Stages {
		switch stage {
		case StageVerifyEmail:
			if user == nil || user.Email == "" || primary == StageLoginByCode {
				continue
			}
			if m.cfg.EmailVerification || (m.cfg.RequireVerifiedEmail && !user.EmailVerified) {
				pending = append(pending, stage)
			}
		case StageVerifyPhone:
			if user != nil && m.cfg.PhoneVerification && user.Phone != "" && !user.PhoneVerified {
				pending = append(pending, stage)
			}
		case StageMFA:
			if user == nil {
				if m.cfg.AlwaysMFAForUnknown {
					pending = append(pending, stage)
				}
				continue
			}
			if len(set.MFA()) > 0 {
				pending = append(pending, stage)
			}
		}
	}
	return pending
}

func channelFor(stage Stage, user *directory.User) (Channel, string) {
	if user == nil {
		if stage == StageVerifyPhone {
			return ChannelSMS, ""
		}
		return ChannelEmail, ""
	}
	switch stage {
	case StageVerifyEmail:
		return ChannelEmail, user.Email
	case StageVerifyPhone:
		return ChannelSMS, user.Phone
	}
	if user.Email == "" && user.Phone != "" {
		return ChannelSMS, user.Phone
	}
	return ChannelEmail, user.Email
}

// prepare issues a code when the current stage needs one and returns the
// delivery to send once the session is stored. Unknown users get a code in
// their session so it looks the same, but nothing is sent.
func (m *Machine) prepare(sess *stores.LoginSession, user *directory.User, now time.Time, resends int) (*Delivery, error) {
	next := sess.Next()
	if !next.IsCodeStage() {
		return nil, nil
	}
	st, err := m.deps.Codes.Issue(now)
	if err != nil {
		return nil, err
	}
	channel, address := channelFor(next, user)
	sess.StageData(next).Code = &stores.CodeStage{
		State:   st,
		Resends: resends,
		Channel: string(channel),
		Address: address,
	}
	if user == nil || address == "" {
		return nil, nil
	}
	return &Delivery{
		FlowID:  sess.ID,
		UserID:  user.ID,
		Channel: channel,
		Address: address,
		Code:    st.Code,
		Purpose: next,
	}, nil
}

func (m *Machine) verifyCode(d *stores.StageData, user *directory.User, presented string, now time.Time) verify.Outcome {
	if d.Code == nil {
		return verify.Invalid
	}
	out := m.deps.Codes.Verify(&d.Code.State, presented, now)
	if user == nil && out == verify.OK {
		return verify.Invalid
	}
	return out
}

func (m *Machine) verifyExternal(ctx context.Context, user *directory.User, stage Stage, sub Submission, now time.Time) (external, error) {
	invalid := external{outcome: verify.Invalid}

	switch stage {
	case StagePassword:
		if user == nil {
			m.deps.Factors.DummyVerify()
			return invalid, nil
		}
		set, err := m.deps.Factors.Load(ctx, user)
		if err != nil {
			return invalid, err
		}
		f, ok := set.Get(directory.KindPassword)
		if !ok {
			m.deps.Factors.DummyVerify()
			return invalid, nil
		}
		out, err := f.Verify(ctx, sub.Value, now)
		return external{outcome: out}, err

	case StageMFA:
		if user == nil {
			return invalid, nil
		}
		set, err := m.deps.Factors.Load(ctx, user)
		if err != nil {
			return invalid, err
		}
		out, kind, err := set.VerifyMFA(ctx, directory.Kind(sub.Params["method"]), sub.Value, now)
		switch {
		case errors.Is(err, authenticators.ErrNoFactor):
			return invalid, nil
		case errors.Is(err, authenticators.ErrConflict):
			return invalid, ErrConflict
		}
		return external{outcome: out, kind: kind}, err
	}
	return invalid, nil
}

// userForProfile maps a provider profile to a local account.
func (m *Machine) userForProfile(ctx context.Context, p provider.Profile) (*directory.User, error) {
	user, err := m.deps.Directory.FindByExternalIdentity(ctx, p.ProviderID, p.ExternalUID)
	if err == nil {
		if !user.Active {
			return nil, ErrProviderUnlinked
		}
		return user, nil
	}
	if !errors.Is(err, directory.ErrUserNotFound) {
		return nil, err
	}

	if !m.cfg.LinkProviderByEmail || !p.EmailVerified || p.Email == "" {
		return nil, ErrProviderUnlinked
	}
	user, err = m.deps.Directory.FindByIdentifier(ctx, p.Email)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, ErrProviderUnlinked
		}
		return nil, err
	}
	if !user.Active || directory.NormalizeIdentifier(user.Email) != directory.NormalizeIdentifier(p.Email) {
		return nil, ErrProviderUnlinked
	}
	if m.deps.Provisioner != nil {
		link := directory.ExternalIdentity{ProviderID: p.ProviderID, ExternalUID: p.ExternalUID, UserID: user.ID}
		if err := m.deps.Provisioner.LinkExternalIdentity(ctx, link); err != nil && !errors.Is(err, directory.ErrDuplicateIdentity) {
			return nil, err
		}
	}
	return user, nil
}

// afterVerified records what a completed code stage proved about the user.
func (m *Machine) afterVerified(ctx context.Context, sess *stores.LoginSession, user *directory.User, stage Stage) {
	if m.deps.Provisioner == nil || user == nil {
		return
	}
	d := sess.Data[stage]
	if d == nil || d.Code == nil {
		return
	}
	switch Channel(d.Code.Channel) {
	case ChannelEmail:
		if !user.EmailVerified {
			if err := m.deps.Provisioner.MarkEmailVerified(ctx, user.ID); err != nil {
				m.deps.Log.Errorf("flows: mark email verified for user %v: %v", user.ID, err)
			}
		}
	case ChannelSMS:
		if !user.PhoneVerified {
			if err := m.deps.Provisioner.MarkPhoneVerified(ctx, user.ID); err != nil {
				m.deps.Log.Errorf("flows: mark phone verified for user %v: %v", user.ID, err)
			}
		}
	}
}
