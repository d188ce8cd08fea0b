package stores

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/internal/verify"
)

const loginSessionVersion1 = 1

var errLoginSessionVersion = errors.New("invalid login session version")

// Stage identifies one step of a multi-stage login.
type Stage string

const (
	StagePassword    Stage = "password"
	StageLoginByCode Stage = "login_by_code"
	StageProvider    Stage = "provider"
	StageVerifyEmail Stage = "verify_email"
	StageVerifyPhone Stage = "verify_phone"
	StageMFA         Stage = "mfa_authenticate"
)

// IsCodeStage reports whether s is satisfied by a code sent to the user.
func (s Stage) IsCodeStage() bool {
	return s == StageLoginByCode || s == StageVerifyEmail || s == StageVerifyPhone
}

// State is the lifecycle state of a login session.
type State string

const (
	StateCollecting    State = "collecting"
	StateStageVerified State = "stage_verified"
	StateComplete      State = "complete"
	StateAbandoned     State = "abandoned"
)

// CodeStage is the transient state of a stage satisfied by a delivered code.
type CodeStage struct {
	State   verify.CodeState `json:"state"`
	Resends int              `json:"resends"`
	Channel string           `json:"channel"`
	Address string           `json:"address,omitempty"`
}

// MFAStage records which secondary factor satisfied the stage.
type MFAStage struct {
	Method directory.Kind `json:"method,omitempty"`
}

// ProviderStage records the external identity that satisfied the stage.
type ProviderStage struct {
	ProviderID  string `json:"provider_id"`
	ExternalUID string `json:"external_uid"`
}

// StageData is the per-stage variant. Attempts is common to every stage; at
// most one of the pointers is set and it matches the stage.
type StageData struct {
	Attempts int            `json:"attempts"`
	Code     *CodeStage     `json:"code,omitempty"`
	MFA      *MFAStage      `json:"mfa,omitempty"`
	Provider *ProviderStage `json:"provider,omitempty"`
}

// LoginSession is the server-side record of one in-progress login, keyed by
// an opaque flow id.
type LoginSession struct {
	ID        string               `json:"id"`
	UserRef   string               `json:"user_ref,omitempty"`
	RateKey   string               `json:"rate_key,omitempty"`
	Pending   []Stage              `json:"pending"`
	Completed []Stage              `json:"completed"`
	Data      map[Stage]*StageData `json:"data,omitempty"`
	Methods   []string             `json:"methods,omitempty"`
	State     State                `json:"state"`
	IP        string               `json:"ip,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	Revision  uint64               `json:"revision"`
}

// Next returns the first pending stage, or "" when none remain.
func (s *LoginSession) Next() Stage {
	if len(s.Pending) == 0 {
		return ""
	}
	return s.Pending[0]
}

// StageData returns the data for stage, creating it when absent.
func (s *LoginSession) StageData(stage Stage) *StageData {
	if s.Data == nil {
		s.Data = make(map[Stage]*StageData)
	}
	d, ok := s.Data[stage]
	if !ok {
		d = &StageData{}
		s.Data[stage] = d
	}
	return d
}

// Tombstone returns the abandoned marker written in place of s. It keeps the
// stage lists for reporting and drops all stage data.
func (s *LoginSession) Tombstone() *LoginSession {
	return &LoginSession{
		ID:        s.ID,
		RateKey:   s.RateKey,
		Pending:   s.Pending,
		Completed: s.Completed,
		State:     StateAbandoned,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Revision:  s.Revision + 1,
	}
}

func encodeLoginSession(s *LoginSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(loginSessionVersion1)
	if err := json.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLoginSession(data []byte) (*LoginSession, error) {
	if len(data) == 0 || data[0] != loginSessionVersion1 {
		return nil, errLoginSessionVersion
	}
	var s LoginSession
	if err := json.Unmarshal(data[1:], &s); err != nil {
		return nil, err
	}
	return &s, nil
}
