package supervisor

import (
	"context"
	"time"

	"github.com/kiwiadmin/kiwi/internal/telemetry"
)

const tickInterval = 60 * time.Second

// runWorker concurrently refreshes the dynamic DNS record and watches for a
// renewed TLS certificate, each on its own 60s tick, until ctx is cancelled.
// A renewed certificate sends once (non-blocking) on restart and keeps
// ticking rather than returning, since runOnce tears this goroutine's
// context down itself once it acts on the signal.
func (s *Supervisor) runWorker(ctx context.Context, restart chan<- struct{}) error {
	dnsTicker := time.NewTicker(tickInterval)
	defer dnsTicker.Stop()
	tlsTicker := time.NewTicker(tickInterval)
	defer tlsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-dnsTicker.C:
			s.tickDNS(ctx)

		case <-tlsTicker.C:
			s.tickTLS(restart)
		}
	}
}

func (s *Supervisor) tickDNS(ctx context.Context) {
	if err := s.ddns.Refresh(ctx); err != nil {
		telemetry.DynamicDNSUpdatesTotal.WithLabelValues("error").Inc()
		s.logger.Error("dynamic DNS refresh failed", "error", err)
		return
	}
	telemetry.DynamicDNSUpdatesTotal.WithLabelValues("ok").Inc()
}

func (s *Supervisor) tickTLS(restart chan<- struct{}) {
	if !s.acme.WasCertificateUpdated() {
		return
	}
	s.logger.Info("TLS certificate file changed on disk")
	select {
	case restart <- struct{}{}:
	default:
	}
}
