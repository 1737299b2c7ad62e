package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const (
	maxDescription   = 2000
	maxMediaRefs     = 10
	geohashPrecision = 7
)

var (
	tagHausa   = language.MustParse("ha")
	tagEnglish = language.English
	// English first: it is the fallback for web and API clients.
	languageMatcher = language.NewMatcher([]language.Tag{tagEnglish, tagHausa})
)

// APIReport is an incident submitted through the web, mobile or partner API
type APIReport struct {
	Channel         models.Channel      `json:"channel"`
	ReporterPhone   string              `json:"reporter_phone"`
	Anonymous       bool                `json:"anonymous"`
	CallbackConsent bool                `json:"callback_consent"`
	Type            models.IncidentType `json:"incident_type"`
	Severity        models.Severity     `json:"severity"`
	Latitude        *float64            `json:"latitude"`
	Longitude       *float64            `json:"longitude"`
	AccuracyM       *float64            `json:"accuracy_m"`
	CellTowerID     string              `json:"cell_tower_id"`
	State           string              `json:"state"`
	LGA             string              `json:"lga"`
	Village         string              `json:"village"`
	Description     string              `json:"description"`
	Language        string              `json:"language"`
	PhotoRefs       []string            `json:"photo_refs"`
	AudioRefs       []string            `json:"audio_refs"`
}

// SubmitResult is the outcome of running an incident through the pipeline
type SubmitResult struct {
	Incident   models.Incident  `json:"incident"`
	Duplicates []Duplicate      `json:"duplicates"`
	Confidence ConfidenceResult `json:"confidence"`
	Escalation EscalationResult `json:"escalation"`
}

// IngestionService creates incidents from every channel and runs them
// through deduplication, scoring and escalation as one unit of work
type IngestionService struct {
	store       store.Store
	dedup       *DedupService
	confidence  *ConfidenceService
	escalation  *EscalationService
	activity    *ActivityLogService
	clock       clock.Clock
	countryCode string
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	st store.Store,
	dedup *DedupService,
	confidence *ConfidenceService,
	escalation *EscalationService,
	activity *ActivityLogService,
	clk clock.Clock,
	countryCode string,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *IngestionService {
	return &IngestionService{
		store:       st,
		dedup:       dedup,
		confidence:  confidence,
		escalation:  escalation,
		activity:    activity,
		clock:       clk,
		countryCode: countryCode,
		metrics:     m,
		logger:      logger,
	}
}

// SubmitAPI validates and ingests an API report. acceptLanguage is the
// request's Accept-Language header, used when the report names no language.
func (s *IngestionService) SubmitAPI(ctx context.Context, r APIReport, acceptLanguage string) (SubmitResult, error) {
	inc, err := s.fromAPI(r, acceptLanguage)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		res   SubmitResult
		notes []models.Notification
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		res, notes, err = s.process(ctx, tx, inc)
		return err
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.escalation.Dispatch(ctx, notes)
	s.metrics.IncidentCreated(string(inc.Channel), string(inc.Type))
	return res, nil
}

// SubmitUSSD creates the incident for a confirmed session and links the
// session to it in the same transaction
func (s *IngestionService) SubmitUSSD(ctx context.Context, sess models.UssdSession) (SubmitResult, error) {
	inc, err := s.fromSession(sess)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		res   SubmitResult
		notes []models.Notification
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		res, notes, err = s.process(ctx, tx, inc)
		if err != nil {
			return err
		}
		done := sess.Clone()
		done.State = models.UssdCompleted
		done.IncidentID = &res.Incident.ID
		done.LastActivity = s.clock.Now()
		if err := tx.Sessions().Save(ctx, done); err != nil {
			return fmt.Errorf("link ussd session: %w", err)
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.escalation.Dispatch(ctx, notes)
	s.metrics.IncidentCreated(string(inc.Channel), string(inc.Type))
	return res, nil
}

// process runs the pipeline for a new incident inside tx
func (s *IngestionService) process(ctx context.Context, tx store.Store, inc models.Incident) (SubmitResult, []models.Notification, error) {
	dups, err := s.dedup.FindDuplicatesIn(ctx, tx, inc)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	if len(dups) > 0 {
		inc.Confidence.DeduplicationScore = models.IntPtr(dups[0].Similarity)
		s.metrics.DuplicateFlagged()
	}

	conf, err := s.confidence.CalculateIn(ctx, tx, inc)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	inc = ApplyConfidence(inc, conf)

	if err := tx.Incidents().Create(ctx, inc); err != nil {
		return SubmitResult{}, nil, fmt.Errorf("create incident: %w", err)
	}
	desc := fmt.Sprintf("%s report via %s", inc.Type, inc.Channel)
	if len(dups) > 0 {
		desc += fmt.Sprintf(", %d possible duplicates (top %d)", len(dups), dups[0].Similarity)
	}
	if err := s.activity.LogIn(ctx, tx, inc.ID, models.ActivitySubmission, "REPORTER", desc); err != nil {
		return SubmitResult{}, nil, err
	}

	esc, notes, err := s.escalation.Evaluate(ctx, tx, inc)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	if esc.Escalated {
		inc = esc.Incident
	}

	s.logger.Infow("Incident ingested",
		"incident_id", inc.ID,
		"channel", inc.Channel,
		"type", inc.Type,
		"severity", inc.Severity,
		"confidence", conf.Score,
		"duplicates", len(dups),
		"escalation_level", inc.Escalation.Level,
	)

	return SubmitResult{
		Incident:   inc,
		Duplicates: dups,
		Confidence: conf,
		Escalation: esc,
	}, notes, nil
}

func (s *IngestionService) fromAPI(r APIReport, acceptLanguage string) (models.Incident, error) {
	const op = "submit"
	if r.Channel == "" {
		r.Channel = models.ChannelAPI
	}
	if !r.Channel.Valid() || r.Channel == models.ChannelUSSD {
		return models.Incident{}, apperr.Validation(op, "channel must be web, mobile or api")
	}
	if !r.Type.Valid() {
		return models.Incident{}, apperr.Validation(op, "unknown incident_type %q", r.Type)
	}
	if !r.Severity.Valid() {
		return models.Incident{}, apperr.Validation(op, "unknown severity %q", r.Severity)
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return models.Incident{}, apperr.Validation(op, "latitude and longitude must be given together")
	}
	if r.Latitude != nil && (*r.Latitude < -90 || *r.Latitude > 90 || *r.Longitude < -180 || *r.Longitude > 180) {
		return models.Incident{}, apperr.Validation(op, "coordinates out of range")
	}
	if r.AccuracyM != nil && *r.AccuracyM < 0 {
		return models.Incident{}, apperr.Validation(op, "accuracy_m must not be negative")
	}
	desc := strings.TrimSpace(r.Description)
	if utf8.RuneCountInString(desc) > maxDescription {
		return models.Incident{}, apperr.Validation(op, "description exceeds %d characters", maxDescription)
	}
	if len(r.PhotoRefs) > maxMediaRefs || len(r.AudioRefs) > maxMediaRefs {
		return models.Incident{}, apperr.Validation(op, "at most %d media references per kind", maxMediaRefs)
	}

	reporter := models.Reporter{Anonymous: r.Anonymous}
	if !r.Anonymous {
		reporter.Phone = NormalizePhone(r.ReporterPhone, s.countryCode)
		reporter.CallbackConsent = r.CallbackConsent && reporter.Phone != ""
	}

	now := s.clock.Now()
	loc := models.Location{
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		AccuracyM:   r.AccuracyM,
		CellTowerID: strings.TrimSpace(r.CellTowerID),
		State:       strings.TrimSpace(r.State),
		LGA:         strings.TrimSpace(r.LGA),
		Village:     strings.TrimSpace(r.Village),
	}
	loc.Geohash = DeriveGeohash(loc)

	return models.Incident{
		ID:       uuid.New(),
		Channel:  r.Channel,
		Reporter: reporter,
		Type:     r.Type,
		Severity: r.Severity,
		Location: loc,
		Description: models.Description{
			Text:      desc,
			Language:  NegotiateLanguage(r.Language, acceptLanguage),
			PhotoRefs: r.PhotoRefs,
			AudioRefs: r.AudioRefs,
		},
		Status:    models.StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *IngestionService) fromSession(sess models.UssdSession) (models.Incident, error) {
	d := sess.Draft
	if !d.IncidentType.Valid() || !d.Severity.Valid() {
		return models.Incident{}, apperr.Validation("submit", "session %s has an incomplete draft", sess.SessionID)
	}

	lang := "ha"
	if sess.Language == models.LanguageEnglish {
		lang = "en"
	}
	consent := d.CallbackConsent != nil && *d.CallbackConsent

	now := s.clock.Now()
	return models.Incident{
		ID:      uuid.New(),
		Channel: models.ChannelUSSD,
		Reporter: models.Reporter{
			Phone:           sess.PhoneNumber,
			CallbackConsent: consent,
		},
		Type:     d.IncidentType,
		Severity: d.Severity,
		Location: models.Location{
			CellTowerID: d.CellTowerID,
			State:       d.State,
			LGA:         d.LGA,
			Village:     d.Village,
		},
		Description: models.Description{Text: d.Description, Language: lang},
		Status:      models.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DeriveGeohash encodes the GPS position of l, or returns "" without GPS
func DeriveGeohash(l models.Location) string {
	if !l.HasGPS() {
		return ""
	}
	return geohash.EncodeWithPrecision(*l.Latitude, *l.Longitude, geohashPrecision)
}

// NegotiateLanguage picks "ha" or "en" from an explicit language value or
// an Accept-Language header, defaulting to English
func NegotiateLanguage(explicit, acceptLanguage string) string {
	var tags []language.Tag
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "hausa":
		return "ha"
	case "english":
		return "en"
	case "":
	default:
		if t, err := language.Parse(explicit); err == nil {
			tags = append(tags, t)
		}
	}
	if accepted, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil {
		tags = append(tags, accepted...)
	}

	_, index, conf := languageMatcher.Match(tags...)
	if conf == language.No || index != 1 {
		return "en"
	}
	return "ha"
}
