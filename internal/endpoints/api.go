package endpoints

import (
	"encoding/json"
	"net/http"
)

type APIResponse struct {
	Status    bool        `json:"status"`
	Value     interface{} `json:"value,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode int         `json:"error_code"`
}

func (res APIResponse) WriteErrorResponse(w http.ResponseWriter, err error) {
	res.WriteErrorResponseWithStatusCode(w, err, StatusCode(err))
}

func (res APIResponse) WriteErrorResponseWithStatusCode(w http.ResponseWriter, err error, statusCode int) {
	res.Status = false
	res.Value = nil
	res.Error = err.Error()
	res.ErrorCode = GetErrorCode(err)

	writeJSON(w, statusCode, res)
}

func (res APIResponse) WriteResultResponse(w http.ResponseWriter, result interface{}) {
	res.Status = true
	res.Value = result
	res.Error = ""
	res.ErrorCode = GetErrorCode(nil)

	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, statusCode int, res APIResponse) {
	body, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(statusCode)
	w.Write(body)
}
