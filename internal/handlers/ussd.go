package handlers

import (
	"net/http"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/services"
	"go.uber.org/zap"
)

// USSDHandler serves the USSD gateway callback
type USSDHandler struct {
	svc    *services.USSDService
	logger *zap.SugaredLogger
}

// NewUSSDHandler creates a new USSD handler
func NewUSSDHandler(svc *services.USSDService, logger *zap.SugaredLogger) *USSDHandler {
	return &USSDHandler{svc: svc, logger: logger}
}

// Callback handles POST /ussd. The gateway posts a form with the session id,
// the caller's number and the accumulated "*"-separated input, and expects a
// plain-text "CON ..." or "END ..." reply.
func (h *USSDHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeUSSD(w, http.StatusBadRequest, "END Invalid request")
		return
	}

	resp, err := h.svc.HandleTurn(r.Context(), services.USSDRequest{
		SessionID:   r.PostFormValue("sessionId"),
		PhoneNumber: r.PostFormValue("phoneNumber"),
		Input:       services.LastInput(r.PostFormValue("text")),
		CellTowerID: r.PostFormValue("cellId"),
	})
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			writeUSSD(w, http.StatusBadRequest, "END Invalid request")
			return
		}
		h.logger.Errorw("USSD turn failed", "error", err)
		writeUSSD(w, http.StatusOK, "END Service unavailable. Please try again.")
		return
	}
	writeUSSD(w, http.StatusOK, resp.String())
}

func writeUSSD(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
