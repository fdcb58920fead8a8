package adminapi

import (
	"net/http"
	"strings"

	"github.com/kiwiadmin/kiwi/internal/httpserver"
	"github.com/kiwiadmin/kiwi/internal/telemetry"
)

type orderCertificateRequest struct {
	Domain string `json:"domain" validate:"required"`
}

type orderCertificateResponse struct {
	OrderURL       string `json:"order_url"`
	DNSRecordName  string `json:"dns_record_name"`
	DNSRecordValue string `json:"dns_record_value"`
}

func (rt *Router) handleOrderCertificate(w http.ResponseWriter, r *http.Request) {
	var req orderCertificateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	order, err := rt.acme.OrderNewCertificate(r.Context(), req.Domain)
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	if err := rt.cache.PutLastCertOrder(r.Context(), order.OrderURL); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, orderCertificateResponse{
		OrderURL:       order.OrderURL,
		DNSRecordName:  order.DNSRecordName,
		DNSRecordValue: order.DNSRecordValue,
	})
}

type finaliseCertificateRequest struct {
	OrderURL string `json:"order_url"`
}

func (rt *Router) handleFinaliseCertificate(w http.ResponseWriter, r *http.Request) {
	var req finaliseCertificateRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondPlain(w, http.StatusBadRequest, err.Error())
		return
	}

	orderURL := req.OrderURL
	if orderURL == "" {
		cached, found, err := rt.cache.GetLastCertOrder(r.Context())
		if err != nil {
			httpserver.RespondErr(w, rt.logger, err)
			return
		}
		if !found {
			httpserver.RespondPlain(w, http.StatusNotFound, "no pending certificate order")
			return
		}
		orderURL = cached
	}

	status, err := rt.acme.FinaliseAndSaveCertificates(r.Context(), orderURL)
	if err != nil {
		telemetry.CertificateRenewalsTotal.WithLabelValues("error").Inc()
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	telemetry.CertificateRenewalsTotal.WithLabelValues(strings.ToLower(string(status))).Inc()

	if err := rt.cache.DeleteLastCertOrder(r.Context()); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (rt *Router) handleGetCertificateInfo(w http.ResponseWriter, r *http.Request) {
	info, err := rt.acme.GetCertificateInfo()
	if err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"issuer":    info.Issuer,
		"not_after": info.NotAfter,
	})
}

type enableDynamicDNSRequest struct {
	Domain              string `json:"domain" validate:"required"`
	AuthorizationHeader string `json:"authorization_header" validate:"required"`
}

func (rt *Router) handleEnableDynamicDNS(w http.ResponseWriter, r *http.Request) {
	var req enableDynamicDNSRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := rt.ddns.Enable(r.Context(), req.Domain, req.AuthorizationHeader); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (rt *Router) handleDisableDynamicDNS(w http.ResponseWriter, r *http.Request) {
	if err := rt.ddns.Disable(); err != nil {
		httpserver.RespondErr(w, rt.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}
