package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is used for jobs without their own caller id.
	From string
	// StreamURL is the public wss:// address of the media endpoint.
	StreamURL string
	// StatusURL receives call status callbacks; job id and lease token are
	// appended as query parameters.
	StatusURL   string
	BaseURL     string
	RingTimeout time.Duration
	Retries     uint64
	Backoff     time.Duration
}

// TwilioStarter places outbound calls through the Twilio REST API with inline
// TwiML that connects the answered call to the media endpoint.
type TwilioStarter struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioStarter(cfg TwilioConfig, client *http.Client) (*TwilioStarter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.StreamURL == "" {
		return nil, errors.New("twilio: stream url is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioStarter{cfg: cfg, client: client}, nil
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *TwilioStarter) StartCall(ctx context.Context, job Job) (string, error) {
	form, err := s.form(job)
	if err != nil {
		return "", err
	}
	var sid string
	backoff := retry.WithMaxRetries(s.cfg.Retries, retry.NewExponential(s.cfg.Backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		sid, err = s.create(ctx, form)
		if core.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return sid, err
}

func (s *TwilioStarter) form(job Job) (url.Values, error) {
	twiml, err := protocol.StreamTwiML(s.cfg.StreamURL, map[string]string{
		protocol.ParamTenantID:   job.TenantID,
		protocol.ParamDirection:  "outbound",
		protocol.ParamJobID:      job.ID,
		protocol.ParamLeaseToken: job.LeaseToken,
	})
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	from := job.From
	if from == "" {
		from = s.cfg.From
	}
	if from == "" {
		return nil, fmt.Errorf("%w: job %s has no caller id", ErrInvalidJob, job.ID)
	}

	form := url.Values{}
	form.Set("To", job.To)
	form.Set("From", from)
	form.Set("Twiml", string(twiml))
	form.Set("Timeout", strconv.Itoa(int(s.cfg.RingTimeout.Seconds())))
	if s.cfg.StatusURL != "" {
		cb, err := url.Parse(s.cfg.StatusURL)
		if err != nil {
			return nil, fmt.Errorf("status url: %w", err)
		}
		q := cb.Query()
		q.Set(protocol.ParamJobID, job.ID)
		q.Set(protocol.ParamLeaseToken, job.LeaseToken)
		cb.RawQuery = q.Encode()
		form.Set("StatusCallback", cb.String())
		form.Set("StatusCallbackMethod", http.MethodPost)
		form.Add("StatusCallbackEvent", "completed")
	}
	return form, nil
}

func (s *TwilioStarter) create(ctx context.Context, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", core.NewTransientError("create call request", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewTransientError("read create call response", err)
	}

	if resp.StatusCode >= 300 {
		var te twilioError
		_ = json.Unmarshal(body, &te)
		msg := fmt.Sprintf("create call: status %d", resp.StatusCode)
		if te.Message != "" {
			msg = fmt.Sprintf("%s: %s (code %d)", msg, te.Message, te.Code)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", core.NewTransientError(msg, nil)
		}
		return "", core.NewInvalidRequestError(msg)
	}

	var call twilioCall
	if err := json.Unmarshal(body, &call); err != nil {
		return "", fmt.Errorf("decode create call response: %w", err)
	}
	if call.SID == "" {
		return "", errors.New("create call response has no sid")
	}
	return call.SID, nil
}
