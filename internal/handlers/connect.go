package handlers

import (
	"net/http"

	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/crypto"
)

// ConnectInfo is public on purpose: the trust page needs it before any
// credential exists.
func ConnectInfo(w http.ResponseWriter, r *http.Request) {
	name := ""
	if cfg, err := Store.GetInstanceConfig(); err == nil {
		name = cfg.InstanceName
	}

	id := crypto.CurrentIdentity()
	if name == "" {
		name = id.Hostname
	}
	lanIP := ""
	if len(id.LANIPs) > 0 {
		lanIP = id.LANIPs[0]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceName": name,
		"lanIp":        lanIP,
		"mdnsName":     id.MDNSName,
		"httpsPort":    config.Cfg.HTTPSPort,
	})
}

// ConnectTrust serves the CA certificate so a device can trust the
// self-signed HTTPS endpoint. Only the plain HTTP listener serves it.
func ConnectTrust(w http.ResponseWriter, r *http.Request) {
	if r.TLS != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	pem := Certs.CAPEM()
	if len(pem) == 0 {
		writeError(w, http.StatusServiceUnavailable, "certificate authority not ready")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="katulong-ca.pem"`)
	w.Write(pem)
}
