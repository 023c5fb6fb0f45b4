package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/crypto"
)

// pairURL builds the address the new device should open. The LAN HTTPS
// address is preferred because the initiating browser usually runs on
// localhost, which the other device cannot reach.
func pairURL(r *http.Request, code string) string {
	id := crypto.CurrentIdentity()
	if len(id.LANIPs) > 0 {
		host := net.JoinHostPort(id.LANIPs[0], strconv.Itoa(config.Cfg.HTTPSPort))
		return "https://" + host + "/pair?code=" + code
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/pair?code=" + code
}

// PairStart mints a pairing code + PIN for the trusted device to show.
func PairStart(w http.ResponseWriter, r *http.Request) {
	ps, err := Auth.StartPairing()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":      ps.Code,
		"pin":       ps.PIN,
		"url":       pairURL(r, ps.Code),
		"expiresAt": ps.ExpiresAt,
	})
}

// PairVerify is called by the new, untrusted device with the typed PIN.
// Success hands back a one-shot setup token for the WebAuthn
// registration that follows.
func PairVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code       string `json:"code"`
		Pin        string `json:"pin"`
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
		UserAgent  string `json:"userAgent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Code == "" || body.Pin == "" {
		writeError(w, http.StatusBadRequest, "code and pin are required")
		return
	}

	tok, err := Auth.VerifyPairing(body.Code, body.Pin, body.DeviceName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.Token})
}

// PairStatus lets the initiating device poll until the code is used.
func PairStatus(w http.ResponseWriter, r *http.Request) {
	consumed, err := Auth.PairingConsumed(chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consumed": consumed})
}
