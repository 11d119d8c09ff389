package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/casf/verifier/app"
	"github.com/casf/verifier/models"
	"github.com/casf/verifier/utils"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// VerifyHandler decides ALLOW/DENY for one tool-call request.
func VerifyHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = utils.WriteBadRequest(w, "invalid request body", nil)
			return
		}

		if err := utils.ValidateStruct(&req); err != nil {
			HandleValidationError(w, err, deps.Logger)
			return
		}

		resp, err := deps.Orchestrator.Decide(r.Context(), &req)
		if err != nil {
			deps.Logger.Error("decision pipeline failed",
				zap.String("request_id", req.RequestID.String()),
				zap.String("chi_request_id", middleware.GetReqID(r.Context())),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "decision pipeline failed")
			return
		}

		// A DENY is a successful decision, not a request error: both
		// outcomes return 200 with the decision in the body.
		if err := utils.WriteJSON(w, http.StatusOK, resp); err != nil {
			deps.Logger.Error("failed to write verify response", zap.Error(err))
		}
	}
}
