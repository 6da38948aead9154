package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"

	"github.com/sakif/vulnproof/internal/apperror"
	"github.com/sakif/vulnproof/internal/model"
)

// maxBodyBytes bounds a validation request body.
const maxBodyBytes = 64 << 10

const missingDescription = "Missing vulnerability description"

// Validator is satisfied by *service.ValidationService.
type Validator interface {
	Validate(ctx context.Context, req model.ValidationRequest) (*model.Verdict, error)
}

// validateRequest is the wire form of a validation request.
type validateRequest struct {
	Vulnerability string `json:"vulnerability" validate:"required,max=8192"`
	TargetURL     string `json:"target_url" validate:"omitempty,max=2048"`
	ScanID        string `json:"scan_id" validate:"omitempty,max=128,printascii,excludesall=/\\"`
}

// validateResponse is returned when the script ran to a determinate exit.
type validateResponse struct {
	ScanID     string       `json:"scan_id"`
	Vulnerable bool         `json:"vulnerable"`
	ExitCode   int          `json:"exit_code"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	Reason     model.Reason `json:"reason"`
	DurationMS int64        `json:"duration_ms"`
	Truncated  bool         `json:"truncated"`
}

// ValidateHandler serves POST /api/validate.
type ValidateHandler struct {
	svc      Validator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidateHandler creates a new ValidateHandler.
func NewValidateHandler(svc Validator, logger *slog.Logger) *ValidateHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &ValidateHandler{svc: svc, validate: v, logger: logger}
}

// HandleValidate runs one validation and maps the verdict to HTTP:
//
//	EXIT_ZERO, NONZERO_EXIT          → 200
//	TIMEOUT                          → 408
//	SYNTHESIS_FAILED, EXECUTION_ERROR → 500
func (h *ValidateHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body validateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("invalid validation request body", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("vulnerability", missingDescription))
		return
	}
	if err := h.check(body); err != nil {
		writeError(w, err)
		return
	}

	req := model.ValidationRequest{
		VulnerabilityDescription: body.Vulnerability,
		TargetReference:          body.TargetURL,
		ScanID:                   body.ScanID,
	}
	if req.ScanID == "" {
		req.ScanID = xid.New().String()
	}

	v, err := h.svc.Validate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case v.Reason.Determinate():
		writeJSON(w, http.StatusOK, newValidateResponse(v))

	case v.Reason == model.ReasonTimeout:
		writeJSON(w, http.StatusRequestTimeout, ErrorResponse{
			Error:      "Script execution timeout",
			Vulnerable: &notVulnerable,
			ScanID:     v.ScanID,
		})

	default:
		h.logger.Error("validation failed",
			slog.String("scan_id", v.ScanID),
			slog.String("reason", string(v.Reason)),
			slog.String("error", v.Error),
		)
		msg := v.Error
		if msg == "" {
			msg = "Validation failed"
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:      msg,
			Vulnerable: &notVulnerable,
			ScanID:     v.ScanID,
		})
	}
}

// check applies the struct tags and turns the first failure into an
// InvalidRequest. A blank description is reported the same way as a missing one.
func (h *ValidateHandler) check(body validateRequest) error {
	if strings.TrimSpace(body.Vulnerability) == "" {
		return apperror.ValidationFailed("vulnerability", missingDescription)
	}
	err := h.validate.Struct(body)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperror.ValidationFailed(fe.Field(), "Invalid "+fe.Field()+": failed "+fe.Tag()+" check")
	}
	return apperror.ValidationFailed("", "Invalid request")
}

func newValidateResponse(v *model.Verdict) validateResponse {
	resp := validateResponse{
		ScanID:     v.ScanID,
		Vulnerable: v.Vulnerable,
		Reason:     v.Reason,
	}
	if e := v.Evidence; e != nil {
		resp.ExitCode, _ = e.Status.Code()
		resp.Stdout = e.Stdout
		resp.Stderr = e.Stderr
		resp.DurationMS = e.Duration.Milliseconds()
		resp.Truncated = e.Truncated
	}
	return resp
}
