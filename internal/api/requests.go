package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all request types; it caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	UserName string `json:"userName" validate:"omitempty,min=2,max=64"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type createProjectRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

type addUsersRequest struct {
	ProjectID string   `json:"projectId" validate:"required,uuid"`
	Users     []string `json:"users" validate:"required,min=1,max=100,dive,uuid"`
}

type updateFileTreeRequest struct {
	ProjectID string          `json:"projectId" validate:"required,uuid"`
	FileTree  json.RawMessage `json:"fileTree" validate:"required"`
}

// decodeRequest reads a size-limited JSON body into dst and validates it.
// On failure it writes a 400 response and returns false.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
