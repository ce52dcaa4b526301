package abuse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/models"
	"aegis/internal/ratelimit/ports/mocks"
	violationStore "aegis/internal/ratelimit/store/violation"
	"aegis/pkg/platform/audit"
)

type AbuseServiceSuite struct {
	suite.Suite
	violations *violationStore.InMemoryStore
	cfg        *config.Config
	service    *Service
}

func TestAbuseServiceSuite(t *testing.T) {
	suite.Run(t, new(AbuseServiceSuite))
}

func (s *AbuseServiceSuite) SetupTest() {
	s.violations = violationStore.NewInMemory()
	s.cfg = config.DefaultConfig()

	var err error
	s.service, err = New(s.violations, WithConfig(s.cfg))
	s.Require().NoError(err)
}

func browserRequest() models.AbuseRequest {
	return models.AbuseRequest{
		Method:         "GET",
		Path:           "/api/profile",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
	}
}

func (s *AbuseServiceSuite) addViolations(key models.LimitKey, n int) {
	for range n {
		_, err := s.violations.Increment(context.Background(), models.ViolationStoreKey(s.cfg.KeyPrefix, key), time.Hour)
		s.Require().NoError(err)
	}
}

func (s *AbuseServiceSuite) TestNew() {
	_, err := New(nil)
	s.ErrorContains(err, "violation store is required")
}

func (s *AbuseServiceSuite) TestCheck() {
	ctx := context.Background()
	key := models.LimitKey("ip:1.2.3.4")

	cases := []struct {
		name   string
		mutate func(*models.AbuseRequest)
		want   models.AbuseReason
	}{
		{"browser request is clean", func(*models.AbuseRequest) {}, models.ReasonNone},
		{"empty user agent", func(r *models.AbuseRequest) { r.UserAgent = "  " }, models.ReasonEmptyUserAgent},
		{"attack tool signature", func(r *models.AbuseRequest) { r.UserAgent = "sqlmap/1.7.2#stable" }, models.ReasonBadUserAgent},
		{"signature match ignores case", func(r *models.AbuseRequest) { r.UserAgent = "Mozilla/5.00 (Nikto/2.1.6)" }, models.ReasonBadUserAgent},
		{"scanner token", func(r *models.AbuseRequest) { r.UserAgent = "SomeCrawler/1.0" }, models.ReasonScannerUserAgent},
		{"crawler identified by contact url", func(r *models.AbuseRequest) {
			r.UserAgent = "Mozilla/5.0 (compatible; Yahoo! Slurp; http://help.yahoo.com/help/us/ysearch/slurp)"
		}, models.ReasonScannerUserAgent},
		{"admin panel path", func(r *models.AbuseRequest) { r.Path = "/wp-admin/install.php" }, models.ReasonSuspiciousPath},
		{"dotfile path", func(r *models.AbuseRequest) { r.Path = "/.env" }, models.ReasonSuspiciousPath},
		{"traversal path", func(r *models.AbuseRequest) { r.Path = "/static/../../etc/passwd" }, models.ReasonSuspiciousPath},
		{"missing headers alone is clean", func(r *models.AbuseRequest) { r.AcceptLanguage = "" }, models.ReasonNone},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := browserRequest()
			tc.mutate(&req)
			verdict := s.service.Check(ctx, req, key)
			s.Equal(tc.want, verdict.Reason)
			s.Equal(tc.want != models.ReasonNone, verdict.Abusive)
		})
	}
}

func (s *AbuseServiceSuite) TestUserAgentCheckedBeforePath() {
	req := browserRequest()
	req.UserAgent = ""
	req.Path = "/wp-login.php"
	s.Equal(models.ReasonEmptyUserAgent, s.service.Check(context.Background(), req, "ip:1.2.3.4").Reason)
}

func (s *AbuseServiceSuite) TestRepeatOffender() {
	ctx := context.Background()
	key := models.LimitKey("ip:5.6.7.8")

	s.Run("below threshold is clean", func() {
		s.addViolations(key, 4)
		s.False(s.service.IsAbusive(ctx, browserRequest(), key))
	})

	s.Run("threshold reached blocks", func() {
		s.addViolations(key, 1)
		verdict := s.service.Check(ctx, browserRequest(), key)
		s.Equal(models.ReasonRepeatOffender, verdict.Reason)
	})

	s.Run("other keys unaffected", func() {
		s.False(s.service.IsAbusive(ctx, browserRequest(), "ip:9.9.9.9"))
	})
}

func (s *AbuseServiceSuite) TestMissingHeadersWithViolations() {
	ctx := context.Background()
	key := models.LimitKey("user:u-1")
	s.addViolations(key, 1)

	req := browserRequest()
	s.False(s.service.IsAbusive(ctx, req, key))

	req.AcceptEncoding = ""
	s.Equal(models.ReasonMissingHeaders, s.service.Check(ctx, req, key).Reason)

	s.Run("disabled by config", func() {
		cfg := config.DefaultConfig()
		cfg.Abuse.CheckNegotiationHeaders = false
		svc, err := New(s.violations, WithConfig(cfg))
		s.Require().NoError(err)
		s.False(svc.IsAbusive(ctx, req, key))
	})
}

func (s *AbuseServiceSuite) TestViolationLookupFailureIsClean() {
	ctrl := gomock.NewController(s.T())
	reader := mocks.NewMockViolationStore(ctrl)
	reader.EXPECT().Get(gomock.Any(), "rl:violations:ip:1.2.3.4").Return(models.ViolationRecord{}, errors.New("redis down"))

	svc, err := New(reader)
	s.Require().NoError(err)
	s.False(svc.IsAbusive(context.Background(), browserRequest(), "ip:1.2.3.4"))
}

func (s *AbuseServiceSuite) TestFlaggedRequestIsAudited() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockAuditPublisher(ctrl)
	publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev audit.SecurityEvent) {
		s.Equal(models.EventAbuseDetected, ev.Action)
		s.Equal(string(models.ReasonBadUserAgent), ev.Reason)
		s.Equal(audit.SeverityCritical, ev.Severity)
	})

	svc, err := New(s.violations, WithAuditPublisher(publisher))
	s.Require().NoError(err)

	req := browserRequest()
	req.UserAgent = "masscan/1.3"
	s.True(svc.IsAbusive(context.Background(), req, "ip:1.2.3.4"))
}
