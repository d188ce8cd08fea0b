package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/middleware"
	"github.com/go-chi/chi/v5"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password,omitempty"`
	Method     string `json:"method,omitempty"`
}

type codeRequest struct {
	Identifier string `json:"identifier"`
}

type providerRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type stageRequest struct {
	Value string `json:"value"`
	// Method picks the MFA factor, e.g. "totp" or "recovery_codes".
	Method string `json:"method,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type flowView struct {
	FlowID    string           `json:"flow_id"`
	State     authflow.State   `json:"state"`
	Next      authflow.Stage   `json:"next_stage,omitempty"`
	Completed []authflow.Stage `json:"completed_stages"`
	Tokens    *authflow.Tokens `json:"tokens,omitempty"`
}

type identityView struct {
	UserID  string   `json:"user_id"`
	Methods []string `json:"methods"`
	Family  string   `json:"family,omitempty"`
}

func viewOf(res authflow.Result) flowView {
	v := flowView{
		FlowID:    res.FlowID,
		State:     res.State,
		Next:      res.Next,
		Completed: res.Completed,
		Tokens:    res.Tokens,
	}
	if v.Completed == nil {
		v.Completed = []authflow.Stage{}
	}
	return v
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "identifier is required")
		return
	}
	method := authflow.Stage(req.Method)
	if method == "" {
		method = authflow.StagePassword
	}

	res, err := h.engine.StartLogin(r.Context(), authflow.LoginRequest{Identifier: req.Identifier, Method: method})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if method != authflow.StagePassword || req.Password == "" {
		writeSuccess(w, http.StatusOK, viewOf(res))
		return
	}

	res, err = h.engine.SubmitStage(r.Context(), res.FlowID, authflow.Submission{
		Stage: authflow.StagePassword,
		Value: req.Password,
	})
	h.writeSubmission(w, r, res, err)
}

func (h *Handler) requestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "identifier is required")
		return
	}
	res, err := h.engine.StartLogin(r.Context(), authflow.LoginRequest{
		Identifier: req.Identifier,
		Method:     authflow.StageLoginByCode,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewOf(res))
}

func (h *Handler) providerToken(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Provider == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "provider and token are required")
		return
	}
	res, err := h.engine.StartProviderLogin(r.Context(), req.Provider, map[string]string{"token": req.Token})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewOf(res))
}

func (h *Handler) submitStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub := authflow.Submission{
		Stage: authflow.Stage(chi.URLParam(r, "stage")),
		Value: req.Value,
	}
	if req.Method != "" {
		sub.Params = map[string]string{"method": req.Method}
	}
	res, err := h.engine.SubmitStage(r.Context(), chi.URLParam(r, "flowID"), sub)
	h.writeSubmission(w, r, res, err)
}

// writeSubmission reports a stage submission. The flow id is already known
// to the client, so rejections carry only an error code.
func (h *Handler) writeSubmission(w http.ResponseWriter, r *http.Request, res authflow.Result, err error) {
	switch {
	case err != nil:
		h.fail(w, r, err)
	case res.WrongStage:
		writeError(w, http.StatusConflict, "wrong_stage", "expected stage "+string(res.Next))
	case res.State == authflow.StateAbandoned:
		writeError(w, http.StatusConflict, "flow_abandoned", "login flow was abandoned")
	case res.Outcome == authflow.OutcomeExpired:
		writeError(w, http.StatusUnauthorized, "code_expired", "code expired")
	case res.Outcome != authflow.OutcomeOK:
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	default:
		writeSuccess(w, http.StatusOK, viewOf(res))
	}
}

func (h *Handler) resend(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ResendCode(r.Context(), chi.URLParam(r, "flowID"))
	switch {
	case err != nil:
		h.fail(w, r, err)
	case res.State == authflow.StateAbandoned:
		writeError(w, http.StatusConflict, "flow_abandoned", "login flow was abandoned")
	case res.Outcome == authflow.OutcomeLimitExceeded:
		writeError(w, http.StatusConflict, "resend_limit", "no more codes can be sent for this flow")
	default:
		writeSuccess(w, http.StatusOK, viewOf(res))
	}
}

func (h *Handler) cancelFlow(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CancelLogin(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewOf(res))
}

func (h *Handler) getFlow(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Flow(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, viewOf(res))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "refresh_token is required")
		return
	}
	tokens, err := h.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, tokens)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	writeSuccess(w, http.StatusOK, identityView{UserID: id.UserID, Methods: id.Methods, Family: id.Family})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.TokenFromContext(r.Context())
	if err := h.engine.Logout(r.Context(), token); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"logged_out_at": time.Now().UTC()})
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := middleware.IdentityFromContext(r.Context())
	if err := h.engine.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"changed": true})
}

// decode reads exactly one JSON object and writes a 400 when it cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		if extra := dec.Decode(&struct{}{}); !errors.Is(extra, io.EOF) {
			err = errors.New("request body must contain a single JSON value")
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorf("httpapi: %v %v: %v", r.Method, r.URL.Path, err)
	}
	if status == http.StatusTooManyRequests {
		retryAfterHeader(w, err)
	}
	writeError(w, status, code, msg)
}

func (h *Handler) guardError(w http.ResponseWriter, r *http.Request, err error) {
	h.fail(w, r, err)
}
