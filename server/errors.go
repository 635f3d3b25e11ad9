package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tsromanox/openfinance-receptor/consent"
)

// apiError is the wire form of every non-2xx response.
type apiError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Stable error codes of the consent API.
const (
	codeInvalidParameter = "PARAMETRO_INVALIDO"
	codeNotFound         = "RECURSO_NAO_ENCONTRADO"
	codeRejectedStatus   = "CONSENTIMENTO_EM_STATUS_REJEITADO"
	codeInvalidStatus    = "STATUS_INVALIDO"
	codeConflict         = "CONFLITO_DE_VERSAO"
	codeUnavailable      = "SERVICO_INDISPONIVEL"
)

// mapError folds a domain failure into a status and stable error code.
// Anything unrecognized is treated as infrastructure trouble.
func mapError(err error) (int, apiError) {
	var validation *consent.ValidationError
	var transition *consent.InvalidTransitionError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, apiError{
			Code:   codeInvalidParameter,
			Title:  "Parâmetro inválido",
			Detail: validation.Error(),
		}
	case errors.Is(err, consent.ErrNotFound):
		return http.StatusNotFound, apiError{
			Code:   codeNotFound,
			Title:  "Consentimento não encontrado",
			Detail: err.Error(),
		}
	case errors.Is(err, consent.ErrAlreadyRejected):
		return http.StatusUnprocessableEntity, apiError{
			Code:   codeRejectedStatus,
			Title:  "Consentimento em status rejeitado",
			Detail: err.Error(),
		}
	case errors.As(err, &transition):
		return http.StatusUnprocessableEntity, apiError{
			Code:   codeInvalidStatus,
			Title:  "Transição de status inválida",
			Detail: transition.Error(),
		}
	case errors.Is(err, consent.ErrConcurrencyConflict):
		return http.StatusConflict, apiError{
			Code:   codeConflict,
			Title:  "Conflito de concorrência",
			Detail: err.Error(),
		}
	default:
		return http.StatusServiceUnavailable, apiError{
			Code:   codeUnavailable,
			Title:  "Serviço indisponível",
			Detail: "tente novamente mais tarde",
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
