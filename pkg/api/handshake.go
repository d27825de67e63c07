package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

type handshakeRequest struct {
	// the sitekey; named publicKey on the wire for widget compatibility
	PublicKey       string `json:"publicKey"`
	ClientPublicKey string `json:"clientPublicKey"`
}

func (s *Server) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()

	var request handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	if len(request.ClientPublicKey) == 0 {
		writeError(ctx, w, CodeBadRequest)
		return
	}

	apiKey, err := s.Store.GetApiKeyBySitekey(ctx, request.PublicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(ctx, w, CodeInvalidSitekey)
			return
		}

		slog.ErrorContext(ctx, "Failed to resolve sitekey", common.ErrAttr(err))
		writeError(ctx, w, CodeStorageUnavailable)
		return
	}

	if !apiKey.IsActive {
		writeError(ctx, w, CodeInvalidSitekey)
		return
	}

	if originHost := common.OriginHost(r); !s.isOriginAllowed(originHost, apiKey) {
		writeError(ctx, w, CodeDomainMismatch)
		return
	}

	response, err := s.Sessions.Handshake(ctx, request.ClientPublicKey, tnow)
	if err != nil {
		if errors.Is(err, session.ErrBadClientKey) {
			writeError(ctx, w, CodeBadRequest)
			return
		}

		slog.ErrorContext(ctx, "Handshake failed", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	common.SendJSONResponse(ctx, w, response, common.NoCacheHeaders)
}
