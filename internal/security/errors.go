package security

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/wireshapes"
)

// CallerFormat infers which wire protocol a request belongs to from its
// path, so a rejection raised here — before the orchestrator ever sees the
// request — still comes back in the caller's own shape
// rather than a middleware-specific envelope.
func CallerFormat(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/v1/messages") {
		return "anthropic"
	}
	return "openai"
}

// WriteEngineError renders ee as the caller's protocol-shaped error
// envelope, the same mapping internal/orchestrator.errorResult uses for
// failures raised inside the pipeline, so a request rejected at
// the security/middleware layer and one rejected mid-pipeline are
// indistinguishable to the caller. Exported so internal/middleware can
// reuse it for the rejections it raises ahead of the security chain.
func WriteEngineError(w http.ResponseWriter, r *http.Request, ee *model.EngineError) {
	status := ee.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var body interface{}
	if CallerFormat(r) == "anthropic" {
		body = wireshapes.AnthropicErrorResponse{
			Type: "error",
			Error: wireshapes.AnthropicErrorBody{
				Type:    string(ee.Kind),
				Message: ee.Message,
			},
		}
	} else {
		body = wireshapes.OpenAIErrorResponse{
			Error: wireshapes.OpenAIErrorBody{
				Message: ee.Message,
				Type:    string(ee.Kind),
				Code:    strconv.Itoa(status),
			},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeEngineError(w http.ResponseWriter, r *http.Request, ee *model.EngineError) {
	WriteEngineError(w, r, ee)
}
