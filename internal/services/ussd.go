package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/config"
	"github.com/communitywatch/incident-server/internal/lock"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/ratelimit"
	"github.com/communitywatch/incident-server/internal/store"
	"go.uber.org/zap"
)

// maxUSSDDescription caps the free-text description collected over USSD
const maxUSSDDescription = 300

// lockWait bounds how long a turn waits for a concurrent turn of the same
// session
const lockWait = 2 * time.Second

// categoryChoices maps the report menu to incident types
var categoryChoices = map[string]models.IncidentType{
	"1": models.TypeSuspiciousActivity,
	"2": models.TypeTheft,
	"3": models.TypeArmedRobbery,
	"4": models.TypeFight,
	"5": models.TypeGunshot,
	"6": models.TypeKidnapping,
	"7": models.TypeFire,
	"8": models.TypeMedicalEmergency,
	"9": models.TypeOther,
}

// helpChoices maps the request-help menu to incident types
var helpChoices = map[string]models.IncidentType{
	"1": models.TypeIncidentInProgress,
	"2": models.TypeFire,
	"3": models.TypeMedicalEmergency,
	"4": models.TypeCommunityAlert,
}

var severityChoices = map[string]models.Severity{
	"1": models.SeverityLow,
	"2": models.SeverityMedium,
	"3": models.SeverityHigh,
	"4": models.SeverityCritical,
}

// USSDRequest is one inbound turn from the USSD gateway. Input is the latest
// answer only, not the accumulated gateway text.
type USSDRequest struct {
	SessionID   string
	PhoneNumber string
	Input       string
	CellTowerID string
}

// USSDResponse is the reply to a turn
type USSDResponse struct {
	Text string
	End  bool
}

// String renders the gateway wire format
func (r USSDResponse) String() string {
	if r.End {
		return "END " + r.Text
	}
	return "CON " + r.Text
}

// USSDSubmitter turns a confirmed session into an incident
type USSDSubmitter interface {
	SubmitUSSD(ctx context.Context, sess models.UssdSession) (SubmitResult, error)
}

// USSDService drives the menu dialogue of each USSD session
type USSDService struct {
	store       store.Store
	submitter   USSDSubmitter
	limiter     ratelimit.Limiter
	locker      lock.Locker
	clock       clock.Clock
	cfg         config.USSDConfig
	countryCode string
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
}

// NewUSSDService creates a new USSD session service
func NewUSSDService(
	st store.Store,
	submitter USSDSubmitter,
	limiter ratelimit.Limiter,
	locker lock.Locker,
	clk clock.Clock,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *USSDService {
	return &USSDService{
		store:       st,
		submitter:   submitter,
		limiter:     limiter,
		locker:      locker,
		clock:       clk,
		cfg:         cfg.USSD,
		countryCode: cfg.CountryCode,
		metrics:     m,
		logger:      logger,
	}
}

// HandleTurn processes one turn of a session and returns the reply. Turns of
// the same session are serialized.
func (s *USSDService) HandleTurn(ctx context.Context, req USSDRequest) (USSDResponse, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return USSDResponse{}, apperr.Validation("ussd", "sessionId is required")
	}
	phone := NormalizePhone(req.PhoneNumber, s.countryCode)
	if phone == "" {
		return USSDResponse{}, apperr.Validation("ussd", "phoneNumber is required")
	}

	if limited := s.rateLimited(ctx, phone); limited {
		return s.reply(models.LanguageHausa, promptBusy, true), nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	release, err := s.locker.Acquire(lockCtx, "ussd:"+req.SessionID)
	cancel()
	if err != nil {
		s.logger.Warnw("USSD session busy", "session_id", req.SessionID, "error", err)
		return s.reply(models.LanguageHausa, promptWait, false), nil
	}
	defer release()

	sess, err := s.load(ctx, req.SessionID, phone)
	if err != nil {
		return USSDResponse{}, err
	}

	resp, next := s.step(ctx, sess, req)
	next.LastActivity = s.clock.Now()
	if next.State != models.UssdCompleted {
		// Completed sessions are saved by the submission unit of work.
		if err := s.store.Sessions().Save(ctx, next); err != nil {
			return USSDResponse{}, fmt.Errorf("save ussd session: %w", err)
		}
	}

	s.metrics.USSDTurn(string(next.State))
	resp.Text = truncate(resp.Text, s.cfg.MaxMessageLength)
	return resp, nil
}

func (s *USSDService) rateLimited(ctx context.Context, phone string) bool {
	if s.limiter == nil || s.cfg.RateLimitMax <= 0 {
		return false
	}
	res, err := s.limiter.Check(ctx, "ussd:"+PhoneDigest(phone), s.cfg.RateLimitWindow, s.cfg.RateLimitMax)
	if err != nil {
		// Never block a caller because the limiter is down.
		s.metrics.RateLimitError()
		return false
	}
	if res.Limited {
		s.logger.Infow("USSD rate limited", "phone", MaskPhone(phone), "retry_after", res.RetryAfter)
	}
	return res.Limited
}

func (s *USSDService) load(ctx context.Context, sessionID, phone string) (models.UssdSession, error) {
	sess, err := s.store.Sessions().Get(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return models.UssdSession{}, fmt.Errorf("load ussd session: %w", err)
	}
	now := s.clock.Now()
	return models.UssdSession{
		SessionID:    sessionID,
		PhoneNumber:  phone,
		Language:     models.LanguageHausa,
		State:        models.UssdIdle,
		LastActivity: now,
		CreatedAt:    now,
	}, nil
}

// step dispatches on the session state. Handlers return the reply and the
// next session value; the input session is never modified.
func (s *USSDService) step(ctx context.Context, sess models.UssdSession, req USSDRequest) (USSDResponse, models.UssdSession) {
	if sess.State != models.UssdIdle && !sess.State.Terminal() && s.cfg.SessionTimeout > 0 &&
		s.clock.Now().Sub(sess.LastActivity) > s.cfg.SessionTimeout {
		next := sess.Clone()
		next.State = models.UssdTimeout
		s.logger.Infow("USSD session timed out", "session_id", sess.SessionID)
		return s.reply(sess.Language, promptTimeout, true), next
	}

	input := strings.TrimSpace(req.Input)
	switch sess.State {
	case models.UssdIdle:
		return s.onIdle(sess)
	case models.UssdMainMenu:
		return s.onMainMenu(sess, input)
	case models.UssdIncidentCategory:
		return s.onCategory(sess, input)
	case models.UssdSeveritySelection:
		return s.onSeverity(sess, input)
	case models.UssdLocationSelection:
		return s.onLocation(sess, input, req.CellTowerID)
	case models.UssdDescription:
		return s.onDescription(sess, input)
	case models.UssdCallbackConsent:
		return s.onCallback(sess, input)
	case models.UssdConfirmation:
		return s.onConfirmation(ctx, sess, input)
	case models.UssdCompleted, models.UssdTimeout, models.UssdAborted:
		return s.reply(sess.Language, promptEnded, true), sess
	}

	s.logger.Errorw("Unknown USSD state, restarting", "session_id", sess.SessionID, "state", sess.State)
	next := sess.Clone()
	next.State = models.UssdMainMenu
	next.Draft = models.UssdDraft{}
	return s.reply(sess.Language, promptMainMenu, false), next
}

func (s *USSDService) onIdle(sess models.UssdSession) (USSDResponse, models.UssdSession) {
	next := sess.Clone()
	next.State = models.UssdMainMenu
	return s.reply(next.Language, promptMainMenu, false), next
}

func (s *USSDService) onMainMenu(sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	next := sess.Clone()
	switch input {
	case "1":
		next.Draft = models.UssdDraft{}
		next.State = models.UssdIncidentCategory
		return s.reply(next.Language, promptCategory, false), next
	case "2":
		next.Draft = models.UssdDraft{HelpRequest: true}
		next.State = models.UssdIncidentCategory
		return s.reply(next.Language, promptHelp, false), next
	case "3":
		if next.Language == models.LanguageHausa {
			next.Language = models.LanguageEnglish
		} else {
			next.Language = models.LanguageHausa
		}
		return s.reply(next.Language, promptMainMenu, false), next
	case "0":
		next.State = models.UssdAborted
		return s.reply(next.Language, promptGoodbye, true), next
	}
	return s.invalid(sess, promptMainMenu)
}

func (s *USSDService) onCategory(sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	if sess.Draft.HelpRequest {
		typ, ok := helpChoices[input]
		if !ok {
			return s.invalid(sess, promptHelp)
		}
		next := sess.Clone()
		next.Draft.IncidentType = typ
		// Help requests are always treated as high severity.
		next.Draft.Severity = models.SeverityHigh
		next.State = models.UssdSeveritySelection
		return s.reply(next.Language, promptSeverity, false), next
	}

	typ, ok := categoryChoices[input]
	if !ok {
		return s.invalid(sess, promptCategory)
	}
	next := sess.Clone()
	next.Draft.IncidentType = typ
	next.State = models.UssdSeveritySelection
	return s.reply(next.Language, promptSeverity, false), next
}

func (s *USSDService) onSeverity(sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	sev, ok := severityChoices[input]
	if !ok {
		return s.invalid(sess, promptSeverity)
	}
	next := sess.Clone()
	if !next.Draft.HelpRequest {
		next.Draft.Severity = sev
	}
	next.State = models.UssdLocationSelection
	return s.reply(next.Language, promptLocation, false), next
}

func (s *USSDService) onLocation(sess models.UssdSession, input, cellTowerID string) (USSDResponse, models.UssdSession) {
	if input == "1" {
		next := sess.Clone()
		next.Draft.UseNetworkLoc = true
		next.Draft.CellTowerID = cellTowerID
		next.Draft.Village, next.Draft.LGA, next.Draft.State = "", "", ""
		next.State = models.UssdDescription
		return s.reply(next.Language, promptDescription, false), next
	}

	village, lga, state, ok := parseLocation(input)
	if !ok {
		return s.invalid(sess, promptLocation)
	}
	next := sess.Clone()
	next.Draft.UseNetworkLoc = false
	next.Draft.CellTowerID = ""
	next.Draft.Village, next.Draft.LGA, next.Draft.State = village, lga, state
	next.State = models.UssdDescription
	return s.reply(next.Language, promptDescription, false), next
}

func (s *USSDService) onDescription(sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	next := sess.Clone()
	switch {
	case input == "0":
		next.Draft.Description = ""
		next.Draft.DescriptionSkip = true
	case input == "" || isDigits(input):
		return s.invalid(sess, promptDescription)
	default:
		next.Draft.Description = truncate(input, maxUSSDDescription)
		next.Draft.DescriptionSkip = false
	}
	next.State = models.UssdCallbackConsent
	return s.reply(next.Language, promptCallback, false), next
}

func (s *USSDService) onCallback(sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	var consent bool
	switch input {
	case "1":
		consent = true
	case "2":
		consent = false
	default:
		return s.invalid(sess, promptCallback)
	}
	next := sess.Clone()
	next.Draft.CallbackConsent = models.BoolPtr(consent)
	next.State = models.UssdConfirmation
	return USSDResponse{Text: confirmation(next.Language, next.Draft)}, next
}

func (s *USSDService) onConfirmation(ctx context.Context, sess models.UssdSession, input string) (USSDResponse, models.UssdSession) {
	switch input {
	case "1":
		res, err := s.submitter.SubmitUSSD(ctx, sess)
		if err != nil {
			s.logger.Errorw("USSD submission failed",
				"session_id", sess.SessionID,
				"phone", MaskPhone(sess.PhoneNumber),
				"error", err,
			)
			// The draft stays on the session until a new report is started
			next := sess.Clone()
			next.State = models.UssdMainMenu
			return USSDResponse{Text: text(next.Language, promptFailure) + "\n" + text(next.Language, promptMainMenu)}, next
		}
		next := sess.Clone()
		next.State = models.UssdCompleted
		id := res.Incident.ID
		next.IncidentID = &id
		return USSDResponse{Text: text(next.Language, promptSubmitted, shortRef(id.String())), End: true}, next
	case "2":
		next := sess.Clone()
		next.State = models.UssdAborted
		return s.reply(next.Language, promptCancelled, true), next
	}
	return USSDResponse{Text: text(sess.Language, promptInvalid) + "\n" + confirmation(sess.Language, sess.Draft)}, sess.Clone()
}

func (s *USSDService) invalid(sess models.UssdSession, p prompt) (USSDResponse, models.UssdSession) {
	return USSDResponse{Text: invalid(sess.Language, p)}, sess.Clone()
}

func (s *USSDService) reply(lang models.Language, p prompt, end bool) USSDResponse {
	return USSDResponse{Text: text(lang, p), End: end}
}

// PurgeStaleSessions deletes sessions that never completed and have been
// idle longer than the retention window
func (s *USSDService) PurgeStaleSessions(ctx context.Context) (int, error) {
	n, err := s.store.Sessions().DeleteStale(ctx, s.clock.Now().Add(-s.cfg.SessionRetention))
	if err != nil {
		return 0, fmt.Errorf("purge ussd sessions: %w", err)
	}
	if n > 0 {
		s.logger.Infow("Purged stale USSD sessions", "count", n)
	}
	return n, nil
}

// LastInput extracts the newest answer from the gateway's accumulated text,
// where answers are joined by "*"
func LastInput(gatewayText string) string {
	if gatewayText == "" {
		return ""
	}
	parts := strings.Split(gatewayText, "*")
	return parts[len(parts)-1]
}

// parseLocation reads "village[, lga[, state]]"
func parseLocation(input string) (village, lga, state string, ok bool) {
	if input == "" || isDigits(input) {
		return "", "", "", false
	}
	parts := strings.Split(input, ",")
	if len(parts) > 3 {
		return "", "", "", false
	}
	fields := make([]string, 3)
	for i, p := range parts {
		fields[i] = strings.TrimSpace(p)
	}
	if fields[0] == "" || utf8.RuneCountInString(fields[0]) > 100 {
		return "", "", "", false
	}
	return fields[0], fields[1], fields[2], true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func shortRef(id string) string {
	if len(id) < 8 {
		return id
	}
	return strings.ToUpper(id[:8])
}
