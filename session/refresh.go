package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/types"
)

// Getter is the slice of the HTTP client the refresher needs.
type Getter interface {
	Get(ctx context.Context, target string) (*httpx.Document, error)
}

// RefreshConfig configures a Refresher. The status values are the literal
// strings the server answers with.
type RefreshConfig struct {
	URL           string  `yaml:"url" json:"url" env:"URL"`
	IssueStatus   string  `yaml:"issue_status" json:"issue_status"`
	ExpiredStatus string  `yaml:"expired_status" json:"expired_status"`
	ReportStatus  string  `yaml:"report_status" json:"report_status"`
	Latitude      float64 `yaml:"latitude" json:"latitude" env:"LATITUDE"`
	Longitude     float64 `yaml:"longitude" json:"longitude" env:"LONGITUDE"`
}

// DefaultRefreshConfig returns the status vocabulary of the reference server.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		IssueStatus:   "wqdfe321#21",
		ExpiredStatus: "expsin!15",
		ReportStatus:  "repo5#r",
	}
}

// Coordinates is an optional geolocation attached to the refresh call.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

type refreshResponse struct {
	Status string     `json:"status"`
	User   string     `json:"user"`
	Pre    policyWire `json:"pre"`
}

// Refresher asks the coordination server for a new profile. Concurrent
// refreshes for the same fingerprint share one request.
type Refresher struct {
	cfg    RefreshConfig
	client Getter
	now    func() time.Time
	group  singleflight.Group
	tracer trace.Tracer
	logger *zap.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(cfg RefreshConfig, client Getter, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRefreshConfig()
	if cfg.IssueStatus == "" {
		cfg.IssueStatus = def.IssueStatus
	}
	if cfg.ExpiredStatus == "" {
		cfg.ExpiredStatus = def.ExpiredStatus
	}
	if cfg.ReportStatus == "" {
		cfg.ReportStatus = def.ReportStatus
	}
	return &Refresher{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		tracer: otel.Tracer("formrelay/session"),
		logger: logger.With(zap.String("component", "session_refresh")),
	}
}

// Refresh requests a profile for fingerprint. A nil coords uses the
// configured coordinates.
func (r *Refresher) Refresh(ctx context.Context, fingerprint string, coords *Coordinates) (*Profile, error) {
	v, err, shared := r.group.Do(fingerprint, func() (any, error) {
		return r.refresh(ctx, fingerprint, coords)
	})
	if shared {
		r.logger.Debug("refresh shared with concurrent caller")
	}
	if err != nil {
		return nil, err
	}
	p := *v.(*Profile)
	return &p, nil
}

func (r *Refresher) refresh(ctx context.Context, fingerprint string, coords *Coordinates) (*Profile, error) {
	ctx, span := r.tracer.Start(ctx, "session.refresh")
	defer span.End()

	if coords == nil {
		coords = &Coordinates{Latitude: r.cfg.Latitude, Longitude: r.cfg.Longitude}
	}
	target, err := url.Parse(r.cfg.URL)
	if err != nil || r.cfg.URL == "" {
		return nil, types.NewTerminalError(types.ErrInvalidInput, "invalid refresh url").WithCause(err).WithComponent("session")
	}
	q := target.Query()
	q.Set("fp", fingerprint)
	q.Set("lat", strconv.FormatFloat(coords.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(coords.Longitude, 'f', -1, 64))
	target.RawQuery = q.Encode()

	doc, err := r.client.Get(ctx, target.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, types.NewError(types.ErrTransientNetwork, "refresh request failed").
			WithCause(err).WithRetryable(true).WithComponent("session")
	}
	span.SetAttributes(attribute.Int("http.status_code", doc.Status))

	var resp refreshResponse
	if err := json.Unmarshal(doc.Body, &resp); err != nil {
		span.SetStatus(codes.Error, "decode")
		return nil, types.NewError(types.ErrProtocol, fmt.Sprintf("refresh response (status %d) is not JSON", doc.Status)).
			WithCause(err).WithRetryable(true).WithComponent("session")
	}

	switch resp.Status {
	case r.cfg.IssueStatus:
		policy := resp.Pre.toPolicy()
		credential := fingerprint
		if resp.Pre.Fingerprint != nil && *resp.Pre.Fingerprint != "" {
			credential = *resp.Pre.Fingerprint
		}
		r.logger.Info("profile issued", zap.String("user", resp.User))
		return &Profile{
			Fingerprint: fingerprint,
			Credential:  credential,
			User:        resp.User,
			Policy:      policy,
			IssuedAt:    r.now(),
		}, nil
	case r.cfg.ExpiredStatus:
		span.SetStatus(codes.Error, "expired")
		return nil, types.NewTerminalError(types.ErrSessionExpired, "subscription expired").WithComponent("session")
	case r.cfg.ReportStatus:
		span.SetStatus(codes.Error, "report required")
		return nil, types.NewTerminalError(types.ErrReportRequired, "submission reports required").WithComponent("session")
	default:
		span.SetStatus(codes.Error, "unknown")
		r.logger.Warn("unrecognised refresh status", zap.String("status", resp.Status))
		return nil, types.NewTerminalError(types.ErrSessionUnknown, "fingerprint is not registered: "+fingerprint).WithComponent("session")
	}
}
