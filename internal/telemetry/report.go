package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/safe"
	"github.com/raysh454/m365guard/internal/webclient"
)

const reportTimeout = 5 * time.Second

// reportPayload is the body POSTed to the reporting endpoint.
type reportPayload struct {
	Source    string `json:"source"`
	TenantID  string `json:"tenantId,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
	Event     Event  `json:"event"`
}

// forward sends a security event to the reporting endpoint in the
// background. Failures are logged and dropped.
func (s *Sink) forward(ev Event) {
	r := s.reporting()
	if !r.Enabled || strings.TrimSpace(r.ServerURL) == "" || s.client == nil {
		return
	}
	s.reports.Add(1)
	go func() {
		defer s.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		safe.Do(ctx, s.logger, "telemetry.report", func(ctx context.Context) error {
			return s.post(ctx, r, ev)
		})
	}()
}

func (s *Sink) post(ctx context.Context, r Reporting, ev Event) error {
	body, err := json.Marshal(reportPayload{
		Source:    "m365guard",
		TenantID:  r.TenantID,
		ProfileID: r.ProfileID,
		Event:     ev,
	})
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, &webclient.Request{
		Method:  http.MethodPost,
		URL:     r.ServerURL,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("reporting endpoint returned %d", resp.StatusCode)
	}
	s.logger.Debug("security event reported", logging.Field{Key: "event_id", Value: ev.ID})
	return nil
}
