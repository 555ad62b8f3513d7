package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
)

// Client talks to a PerfectGym client portal with browser-shaped requests.
// Session state lives in the *Session passed to each call, so one Client can
// serve several flows.
type Client struct {
	hc      *http.Client
	opts    Options
	clock   clock.Clock
	limiter *rate.Limiter
}

type Options struct {
	BaseURL  string
	ClubID   int64
	Email    string
	Password string
	Location *time.Location

	UserAgent string
	Timeout   time.Duration
	// MinDelay and MaxDelay bound the pause before every request.
	MinDelay time.Duration
	MaxDelay time.Duration
	// UrgentJitter bounds the pause for requests made with an Urgent context.
	UrgentJitter      time.Duration
	RequestsPerSecond float64

	Clock      clock.Clock
	HTTPClient *http.Client
}

const (
	defaultTimeout      = 5 * time.Second
	defaultUrgentJitter = 40 * time.Millisecond
	timeLayout          = "2006-01-02T15:04:05"
	maxBodyInReason     = 200
)

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = config.DefaultUserAgent
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return &Client{
		hc:      hc,
		opts:    opts,
		clock:   opts.Clock,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// NewFromConfig builds a client with the configured pacing and credentials.
func NewFromConfig(cfg config.Config, c clock.Clock) (*Client, error) {
	loc, err := cfg.Gym.Location()
	if err != nil {
		return nil, err
	}
	return New(Options{
		BaseURL:           cfg.Gym.BaseURL,
		ClubID:            cfg.Gym.ClubID,
		Email:             cfg.Credentials.Email,
		Password:          cfg.Credentials.Password,
		Location:          loc,
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout(),
		MinDelay:          time.Duration(cfg.HTTP.MinDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.HTTP.MaxDelayMS) * time.Millisecond,
		UrgentJitter:      defaultUrgentJitter,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Clock:             c,
	}), nil
}

func (c *Client) Location() *time.Location { return c.opts.Location }

// --- wire types ---

type loginRequest struct {
	RememberMe bool   `json:"RememberMe"`
	Login      string `json:"Login"`
	Password   string `json:"Password"`
}

type loginResponse struct {
	User *struct {
		Member *struct {
			ID        int64  `json:"Id"`
			FirstName string `json:"FirstName"`
		} `json:"Member"`
	} `json:"User"`
}

type weeklyRequest struct {
	ClubID     int64  `json:"clubId"`
	CategoryID *int64 `json:"categoryId"`
	DaysInWeek int    `json:"daysInWeek"`
}

type weeklyResponse struct {
	CalendarData []struct {
		ZoneName       string `json:"ZoneName"`
		ClassesPerHour []struct {
			ClassesPerDay [][]classItem `json:"ClassesPerDay"`
		} `json:"ClassesPerHour"`
	} `json:"CalendarData"`
}

type classItem struct {
	ID        int64   `json:"Id"`
	Name      string  `json:"Name"`
	StartTime string  `json:"StartTime"`
	Duration  minutes `json:"Duration"`
	Status    string  `json:"Status"`
	Trainer   *string `json:"Trainer"`
}

type classRequest struct {
	ClassID int64  `json:"classId"`
	ClubID  string `json:"clubId"`
}

type bookResponse struct {
	Tickets []struct {
		Name      string  `json:"Name"`
		StartTime string  `json:"StartTime"`
		Trainer   *string `json:"Trainer"`
	} `json:"Tickets"`
	ClassID int64 `json:"ClassId"`
}

type standByResponse struct {
	StandByQueueNumber *int `json:"StandByQueueNumber"`
}

type detailsResponse struct {
	ID             int64   `json:"Id"`
	Name           string  `json:"Name"`
	Status         string  `json:"Status"`
	StartTime      string  `json:"StartTime"`
	Duration       minutes `json:"Duration"`
	Trainer        *string `json:"Trainer"`
	TrainerDetails *struct {
		Title string `json:"Title"`
	} `json:"TrainerDetails"`
	Users []struct {
		Status             string `json:"Status"`
		StandByQueueNumber *int   `json:"StandByQueueNumber"`
		User               struct {
			IsCurrentUser bool `json:"IsCurrentUser"`
		} `json:"User"`
	} `json:"Users"`
}

// minutes accepts durations sent either as a number of minutes, a numeric
// string, or "HH:MM:SS".
type minutes time.Duration

func (m *minutes) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*m = minutes(time.Duration(n * float64(time.Minute)))
		return nil
	}
	if t, err := time.Parse("15:04:05", s); err == nil {
		*m = minutes(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second)
		return nil
	}
	// unknown format; leave zero rather than failing the whole listing
	return nil
}

// --- session ---

// Login authenticates and returns a fresh session with its own cookie jar.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	sess := newSession(c.opts.BaseURL, c.opts.ClubID, c.clock.Now())
	body := loginRequest{RememberMe: false, Login: c.opts.Email, Password: c.opts.Password}
	res, err := c.do(ctx, sess, "login", http.MethodPost, "/Auth/Login", nil, body, false)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", ErrNetwork, err)
	}
	switch {
	case res.status >= 500 || res.status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w", ErrNetwork, &StatusError{Op: "login", Code: res.status})
	case res.status >= 300:
		return nil, fmt.Errorf("%w: login failed (status=%d)", ErrAuth, res.status)
	}
	token := res.header.Get("jwt-token")
	if token == "" {
		return nil, fmt.Errorf("%w: no jwt-token in login response", ErrAuth)
	}
	sess.Token = token
	sess.ExpiresAt = tokenExpiry(token)

	var lr loginResponse
	if err := json.Unmarshal(res.body, &lr); err == nil && lr.User != nil && lr.User.Member != nil {
		sess.Member = lr.User.Member.FirstName
		logger.Debug("logged in", "member", lr.User.Member.FirstName, "member_id", lr.User.Member.ID)
	}
	return sess, nil
}

// Refresh logs in again and returns the new session. The old session is left
// untouched so callers can swap only on success.
func (c *Client) Refresh(ctx context.Context, sess *Session) (*Session, error) {
	fresh, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		logger.Debug("session refreshed", "previous_expiry", sess.ExpiresAt, "expiry", fresh.ExpiresAt)
	}
	return fresh, nil
}

func (c *Client) refreshInPlace(ctx context.Context, sess *Session) error {
	fresh, err := c.Refresh(ctx, sess)
	if err != nil {
		return err
	}
	*sess = *fresh
	return nil
}

// --- queries ---

// GetClasses lists classes starting within r, sorted by start time.
func (c *Client) GetClasses(ctx context.Context, sess *Session, r DateRange) ([]ClassInstance, error) {
	days := int(math.Ceil(r.To.Sub(c.clock.Now()).Hours() / 24))
	days = max(days, 1)
	payload := weeklyRequest{ClubID: c.opts.ClubID, DaysInWeek: days}
	res, err := c.query(ctx, sess, "weekly_classes", http.MethodPost, "/Classes/ClassCalendar/WeeklyClasses", nil, payload)
	if err != nil {
		return nil, err
	}
	var wr weeklyResponse
	if err := json.Unmarshal(res.body, &wr); err != nil {
		return nil, fmt.Errorf("portal: decode weekly classes: %w", err)
	}

	var classes []ClassInstance
	for _, zone := range wr.CalendarData {
		for _, hour := range zone.ClassesPerHour {
			for _, day := range hour.ClassesPerDay {
				for _, item := range day {
					start, err := time.ParseInLocation(timeLayout, item.StartTime, c.opts.Location)
					if err != nil {
						logger.Debug("skipping class with bad start time", "class_id", item.ID, "start", item.StartTime)
						continue
					}
					if !r.Contains(start) {
						continue
					}
					classes = append(classes, ClassInstance{
						ID:        item.ID,
						Name:      item.Name,
						Trainer:   deref(item.Trainer),
						StartTime: start,
						Duration:  time.Duration(item.Duration),
						Zone:      zone.ZoneName,
						Status:    Status(item.Status),
					})
				}
			}
		}
	}
	slices.SortStableFunc(classes, func(a, b ClassInstance) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return classes, nil
}

// GetClass fetches one class with the current user's waitlist position.
func (c *Client) GetClass(ctx context.Context, sess *Session, id int64) (ClassInstance, error) {
	q := url.Values{"classId": {strconv.FormatInt(id, 10)}}
	res, err := c.query(ctx, sess, "class_details", http.MethodGet, "/Classes/ClassCalendar/Details", q, nil)
	if err != nil {
		return ClassInstance{}, err
	}
	var d detailsResponse
	if err := json.Unmarshal(res.body, &d); err != nil {
		return ClassInstance{}, fmt.Errorf("portal: decode class details: %w", err)
	}
	if d.ID == 0 {
		return ClassInstance{}, fmt.Errorf("%w: class %d", ErrNotFound, id)
	}
	start, err := time.ParseInLocation(timeLayout, d.StartTime, c.opts.Location)
	if err != nil {
		return ClassInstance{}, fmt.Errorf("portal: class %d start time %q: %w", id, d.StartTime, err)
	}
	class := ClassInstance{
		ID:        d.ID,
		Name:      d.Name,
		Trainer:   deref(d.Trainer),
		StartTime: start,
		Duration:  time.Duration(d.Duration),
		Status:    Status(d.Status),
	}
	if class.Trainer == "" && d.TrainerDetails != nil {
		class.Trainer = d.TrainerDetails.Title
	}
	for _, u := range d.Users {
		if u.User.IsCurrentUser && u.StandByQueueNumber != nil {
			class.WaitlistPosition = *u.StandByQueueNumber
		}
	}
	return class, nil
}

// MyBookings returns booked and waitlisted classes over the next days,
// enriched with waitlist positions where the details call succeeds.
func (c *Client) MyBookings(ctx context.Context, sess *Session, days int) ([]ClassInstance, error) {
	classes, err := c.GetClasses(ctx, sess, NextDays(c.clock.Now(), days))
	if err != nil {
		return nil, err
	}
	var out []ClassInstance
	for _, cl := range classes {
		if cl.Status != StatusBooked && cl.Status != StatusAwaiting {
			continue
		}
		detail, err := c.GetClass(ctx, sess, cl.ID)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return nil, err
			}
			logger.Warn("class details unavailable", "class_id", cl.ID, "error", err)
			out = append(out, cl)
			continue
		}
		detail.Zone = cl.Zone
		out = append(out, detail)
	}
	return out, nil
}

// CancelBooking cancels a reservation or standby place.
func (c *Client) CancelBooking(ctx context.Context, sess *Session, id int64) error {
	payload := classRequest{ClassID: id, ClubID: strconv.FormatInt(c.opts.ClubID, 10)}
	_, err := c.query(ctx, sess, "cancel", http.MethodPost, "/Classes/ClassCalendar/CancelBooking", nil, payload)
	return err
}

// --- booking ---

// Book makes one booking request. It never returns an error; every failure is
// expressed as an Outcome.
func (c *Client) Book(ctx context.Context, sess *Session, id int64) Outcome {
	return c.bookingCall(ctx, sess, "book", "/Classes/ClassCalendar/BookClass", id, c.classifyBook)
}

// JoinWaitlist asks for a standby place on a full class.
func (c *Client) JoinWaitlist(ctx context.Context, sess *Session, id int64) Outcome {
	o := c.bookingCall(ctx, sess, "join_waitlist", "/Classes/ClassCalendar/JoinStandByQueue", id, classifyWaitlist)
	if w, ok := o.(Waitlisted); ok && w.Position == 0 {
		if cl, err := c.GetClass(ctx, sess, id); err == nil {
			w.Position = cl.WaitlistPosition
			return w
		}
	}
	return o
}

func (c *Client) bookingCall(ctx context.Context, sess *Session, op, path string, id int64, classify func(response) Outcome) Outcome {
	payload := classRequest{ClassID: id, ClubID: strconv.FormatInt(c.opts.ClubID, 10)}
	res, err := c.do(ctx, sess, op, http.MethodPost, path, nil, payload, true)
	if err != nil {
		return transportOutcome(err)
	}
	if isAuthStatus(res.status) {
		if err := c.refreshInPlace(ctx, sess); err != nil {
			logger.Warn("session refresh failed", "op", op, "class_id", id, "error", err)
			return PermanentFailure{Reason: ReasonAuth}
		}
		res, err = c.do(ctx, sess, op, http.MethodPost, path, nil, payload, true)
		if err != nil {
			return transportOutcome(err)
		}
		if isAuthStatus(res.status) {
			return PermanentFailure{Reason: ReasonAuth}
		}
	}
	return classify(res)
}

func (c *Client) classifyBook(res response) Outcome {
	if res.ok() {
		var br bookResponse
		if err := json.Unmarshal(res.body, &br); err == nil && len(br.Tickets) > 0 {
			t := br.Tickets[0]
			start, _ := time.ParseInLocation(timeLayout, t.StartTime, c.opts.Location)
			return Booked{Name: t.Name, StartTime: start, Trainer: deref(t.Trainer)}
		}
		return Booked{}
	}
	if o, ok := transientStatus(res.status); ok {
		return o
	}
	body := string(res.body)
	switch {
	case strings.Contains(body, "DailyBookingLimitReached"):
		return PermanentFailure{Reason: ReasonDailyLimit}
	case strings.Contains(body, "Already") || strings.Contains(body, "already"):
		return PermanentFailure{Reason: ReasonAlreadyBooked}
	case strings.Contains(body, "TooSoonToBook"):
		return NotYetOpen{}
	case strings.Contains(body, "Full") || strings.Contains(body, "full") || strings.Contains(body, "Awaitable"):
		return ClassFull{}
	}
	return rejected(res)
}

func classifyWaitlist(res response) Outcome {
	if res.ok() {
		var sr standByResponse
		if err := json.Unmarshal(res.body, &sr); err == nil && sr.StandByQueueNumber != nil {
			return Waitlisted{Position: *sr.StandByQueueNumber}
		}
		return Waitlisted{}
	}
	if o, ok := transientStatus(res.status); ok {
		return o
	}
	body := string(res.body)
	switch {
	case strings.Contains(body, "DailyBookingLimitReached"):
		return PermanentFailure{Reason: ReasonDailyLimit}
	case strings.Contains(body, "Already") || strings.Contains(body, "already"):
		return PermanentFailure{Reason: ReasonAlreadyBooked}
	case strings.Contains(body, "StandBy") || strings.Contains(body, "Closed") || strings.Contains(body, "closed"):
		return PermanentFailure{Reason: ReasonWaitlistClosed}
	}
	return rejected(res)
}

func transientStatus(code int) (Outcome, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return TransientFailure{Reason: ReasonRateLimited}, true
	case code >= 500:
		return TransientFailure{Reason: fmt.Sprintf("server error (status=%d)", code)}, true
	}
	return nil, false
}

func rejected(res response) Outcome {
	body := strings.TrimSpace(string(res.body))
	if len(body) > maxBodyInReason {
		body = body[:maxBodyInReason]
	}
	if body == "" {
		return PermanentFailure{Reason: fmt.Sprintf("%s (status=%d)", ReasonRejected, res.status)}
	}
	return PermanentFailure{Reason: fmt.Sprintf("%s (status=%d): %s", ReasonRejected, res.status, body)}
}

func transportOutcome(err error) Outcome {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return TransientFailure{Reason: ReasonTimeout}
	}
	return TransientFailure{Reason: "network: " + err.Error()}
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// --- transport ---

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

// query performs a read-style call with one refresh-and-retry on auth
// failure, mapping statuses onto the package's error values.
func (c *Client) query(ctx context.Context, sess *Session, op, method, path string, q url.Values, payload any) (response, error) {
	res, err := c.do(ctx, sess, op, method, path, q, payload, false)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}
	if isAuthStatus(res.status) {
		if err := c.refreshInPlace(ctx, sess); err != nil {
			return res, fmt.Errorf("%w: %s: %v", ErrAuth, op, err)
		}
		res, err = c.do(ctx, sess, op, method, path, q, payload, false)
		if err != nil {
			return res, fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
		}
		if isAuthStatus(res.status) {
			return res, fmt.Errorf("%w: %s (status=%d)", ErrAuth, op, res.status)
		}
	}
	switch {
	case res.ok():
		return res, nil
	case res.status == http.StatusNotFound:
		return res, fmt.Errorf("%w: %s", ErrNotFound, op)
	case res.status >= 500 || res.status == http.StatusTooManyRequests:
		return res, fmt.Errorf("%w: %w", ErrNetwork, &StatusError{Op: op, Code: res.status})
	default:
		return res, &StatusError{Op: op, Code: res.status, Body: strings.TrimSpace(string(res.body))}
	}
}

// pace waits the human-like delay and the rate limiter before a request.
func (c *Client) pace(ctx context.Context) error {
	var d time.Duration
	if IsUrgent(ctx) {
		d = jitter(0, c.opts.UrgentJitter)
	} else {
		d = jitter(c.opts.MinDelay, c.opts.MaxDelay)
	}
	if err := c.clock.Sleep(ctx, d); err != nil {
		return err
	}
	return c.limiter.Wait(ctx)
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// do issues one request. detached requests keep running if ctx is cancelled
// once they have been sent, bounded by the request timeout.
func (c *Client) do(ctx context.Context, sess *Session, op, method, path string, q url.Values, payload any, detached bool) (response, error) {
	if err := c.pace(ctx); err != nil {
		return response{}, err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return response{}, err
		}
		body = bytes.NewReader(b)
	}

	rctx := ctx
	if detached {
		rctx = context.WithoutCancel(ctx)
	}
	rctx, cancel := context.WithTimeout(rctx, c.opts.Timeout)
	defer cancel()

	base := c.opts.BaseURL
	if sess != nil && sess.BaseURL != "" {
		base = sess.BaseURL
	}
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(rctx, method, u, body)
	if err != nil {
		return response{}, err
	}
	c.setHeaders(req, sess, payload != nil)

	hc := *c.hc
	if sess != nil && sess.Jar != nil {
		hc.Jar = sess.Jar
	}

	start := time.Now()
	res, err := hc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordPortalRequest(op, "error", elapsed.Seconds())
		logger.Debug("portal request failed", "op", op, "error", err, "elapsed", elapsed)
		return response{}, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	metrics.RecordPortalRequest(op, statusClass(res.StatusCode), elapsed.Seconds())
	logger.Debug("portal request", "op", op, "status", res.StatusCode, "elapsed", elapsed)
	if err != nil {
		return response{}, err
	}
	return response{status: res.StatusCode, header: res.Header, body: b}, nil
}

func (c *Client) setHeaders(req *http.Request, sess *Session, hasBody bool) {
	base := c.opts.BaseURL
	if sess != nil && sess.BaseURL != "" {
		base = sess.BaseURL
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept-Language", "en-GB,en;q=0.5")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", strings.Replace(base, "/clientportal2", "", 1))
	req.Header.Set("Referer", base+"/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("CP-LANG", "en")
	req.Header.Set("CP-MODE", "desktop")
	if hasBody {
		req.Header.Set("Content-Type", "application/json;charset=utf-8")
	}
	if sess != nil && sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
