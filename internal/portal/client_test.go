package portal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePortal struct {
	*httptest.Server
	mux    *http.ServeMux
	logins atomic.Int32
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{mux: http.NewServeMux()}
	fp.mux.HandleFunc("/Auth/Login", func(w http.ResponseWriter, r *http.Request) {
		n := fp.logins.Add(1)
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "password123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("jwt-token", "token-"+string(rune('0'+n)))
		_, _ = io.WriteString(w, `{"User":{"Member":{"Id":42,"FirstName":"Test"}}}`)
	})
	fp.Server = httptest.NewServer(fp.mux)
	t.Cleanup(fp.Close)
	return fp
}

func newTestClient(url string) *Client {
	return New(Options{
		BaseURL:  url,
		ClubID:   1,
		Email:    "test@example.com",
		Password: "password123",
		Location: time.UTC,
		Timeout:  2 * time.Second,
	})
}

func login(t *testing.T, c *Client) *Session {
	t.Helper()
	sess, err := c.Login(context.Background())
	require.NoError(t, err)
	return sess
}

func TestLoginSuccess(t *testing.T) {
	fp := newFakePortal(t)
	c := newTestClient(fp.URL)

	sess := login(t, c)
	assert.Equal(t, "token-1", sess.Token)
	assert.Equal(t, "Test", sess.Member)
	assert.Equal(t, int64(1), sess.ClubID)
	assert.NotNil(t, sess.Jar)
	assert.True(t, sess.ExpiresAt.IsZero())
}

func TestLoginFailure(t *testing.T) {
	fp := newFakePortal(t)
	c := New(Options{BaseURL: fp.URL, ClubID: 1, Email: "x", Password: "wrong"})

	_, err := c.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestLoginMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Login(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestLoginReadsTokenExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("jwt-token", token)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	sess := login(t, newTestClient(srv.URL))
	assert.True(t, exp.Equal(sess.ExpiresAt))
	assert.True(t, sess.ExpiresWithin(exp.Add(-time.Minute), 2*time.Minute))
	assert.False(t, sess.ExpiresWithin(exp.Add(-time.Hour), 2*time.Minute))
}

func TestRequestHeaders(t *testing.T) {
	fp := newFakePortal(t)
	var got http.Header
	fp.mux.HandleFunc("/clientportal2/Classes/ClassCalendar/WeeklyClasses", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, `{"CalendarData":[]}`)
	})
	fp.mux.HandleFunc("/clientportal2/Auth/Login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("jwt-token", "tok")
		_, _ = io.WriteString(w, `{}`)
	})
	c := newTestClient(fp.URL + "/clientportal2")
	sess := login(t, c)

	_, err := c.GetClasses(context.Background(), sess, NextDays(time.Now(), 7))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, fp.URL, got.Get("Origin"))
	assert.Equal(t, fp.URL+"/clientportal2/", got.Get("Referer"))
	assert.Equal(t, "XMLHttpRequest", got.Get("X-Requested-With"))
	assert.Equal(t, "en", got.Get("CP-LANG"))
	assert.Equal(t, "desktop", got.Get("CP-MODE"))
	assert.Equal(t, "en-GB,en;q=0.5", got.Get("Accept-Language"))
	assert.Contains(t, got.Get("User-Agent"), "Firefox")
	assert.Equal(t, "application/json;charset=utf-8", got.Get("Content-Type"))
}

func TestGetClassesParsesAndSorts(t *testing.T) {
	fp := newFakePortal(t)
	var req weeklyRequest
	fp.mux.HandleFunc("/Classes/ClassCalendar/WeeklyClasses", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = io.WriteString(w, `{"CalendarData":[{"ZoneName":"Studio A","ClassesPerHour":[{"ClassesPerDay":[
			[{"Id":2,"Name":"Spin","StartTime":"2025-01-15T18:00:00","Duration":"45","Status":"Bookable","Trainer":"Bob"}],
			[{"Id":1,"Name":"Yoga","StartTime":"2025-01-15T09:00:00","Duration":60,"Status":"Full","Trainer":null}],
			[{"Id":3,"Name":"Late","StartTime":"2025-03-01T09:00:00","Duration":"60","Status":"Bookable"}]
		]}]}]}`)
	})
	c := newTestClient(fp.URL)
	sess := login(t, c)

	r := DateRange{
		From: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
	}
	classes, err := c.GetClasses(context.Background(), sess, r)
	require.NoError(t, err)
	require.Len(t, classes, 2)

	assert.Equal(t, int64(1), classes[0].ID)
	assert.Equal(t, "Yoga", classes[0].Name)
	assert.Equal(t, Status("Full"), classes[0].Status)
	assert.Equal(t, StatusUnavailable, classes[0].Status.Effective())
	assert.Empty(t, classes[0].Trainer)
	assert.Equal(t, time.Hour, classes[0].Duration)

	assert.Equal(t, "Spin", classes[1].Name)
	assert.Equal(t, "Bob", classes[1].Trainer)
	assert.Equal(t, "Studio A", classes[1].Zone)
	assert.Equal(t, 45*time.Minute, classes[1].Duration)
	assert.Equal(t, int64(1), req.ClubID)
	assert.GreaterOrEqual(t, req.DaysInWeek, 1)
}

func TestGetClassesEmpty(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/WeeklyClasses", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"CalendarData":[]}`)
	})
	c := newTestClient(fp.URL)
	classes, err := c.GetClasses(context.Background(), login(t, c), NextDays(time.Now(), 7))
	require.NoError(t, err)
	assert.Empty(t, classes)
}

func TestGetClassDetails(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/Details", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("classId") != "123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"Id":123,"Name":"HIIT","Status":"Awaiting","StartTime":"2025-02-01T10:30:00",
			"TrainerDetails":{"Title":"Coach Mike"},
			"Users":[{"Status":"Awaiting","StandByQueueNumber":3,"User":{"IsCurrentUser":true}},
			         {"Status":"Booked","StandByQueueNumber":null,"User":{"IsCurrentUser":false}}]}`)
	})
	c := newTestClient(fp.URL)
	sess := login(t, c)

	class, err := c.GetClass(context.Background(), sess, 123)
	require.NoError(t, err)
	assert.Equal(t, "HIIT", class.Name)
	assert.Equal(t, "Coach Mike", class.Trainer)
	assert.Equal(t, StatusAwaiting, class.Status)
	assert.Equal(t, 3, class.WaitlistPosition)
	assert.Equal(t, time.Date(2025, 2, 1, 10, 30, 0, 0, time.UTC), class.StartTime)

	_, err = c.GetClass(context.Background(), sess, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBookSuccess(t *testing.T) {
	fp := newFakePortal(t)
	var req classRequest
	fp.mux.HandleFunc("/Classes/ClassCalendar/BookClass", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = io.WriteString(w, `{"Tickets":[{"Name":"Morning Yoga","StartTime":"2025-01-20T09:00:00","Trainer":"Alice"}],"ClassId":555}`)
	})
	c := newTestClient(fp.URL)

	o := c.Book(context.Background(), login(t, c), 555)
	booked, ok := o.(Booked)
	require.True(t, ok, "got %v", o)
	assert.Equal(t, "Morning Yoga", booked.Name)
	assert.Equal(t, "Alice", booked.Trainer)
	assert.Equal(t, "2025-01-20 09:00", booked.StartTime.Format("2006-01-02 15:04"))
	assert.Equal(t, int64(555), req.ClassID)
	assert.Equal(t, "1", req.ClubID)
}

func TestBookClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Outcome
	}{
		{"too soon", 400, `{"Errors":[{"Code":"TooSoonToBook"}]}`, NotYetOpen{}},
		{"daily limit", 400, `DailyBookingLimitReached`, PermanentFailure{Reason: ReasonDailyLimit}},
		{"already booked", 400, `{"Message":"Already booked"}`, PermanentFailure{Reason: ReasonAlreadyBooked}},
		{"full", 400, `ClassIsFull`, ClassFull{}},
		{"awaitable", 400, `Status Awaitable`, ClassFull{}},
		{"rate limited", 429, ``, TransientFailure{Reason: ReasonRateLimited}},
		{"server error", 503, `oops`, TransientFailure{Reason: "server error (status=503)"}},
		{"rejected", 400, `Nope`, PermanentFailure{Reason: "rejected (status=400): Nope"}},
		{"rejected empty", 409, ``, PermanentFailure{Reason: "rejected (status=409)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePortal(t)
			fp.mux.HandleFunc("/Classes/ClassCalendar/BookClass", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			c := newTestClient(fp.URL)
			assert.Equal(t, tt.want, c.Book(context.Background(), login(t, c), 1))
		})
	}
}

func TestBookRefreshesOnUnauthorized(t *testing.T) {
	fp := newFakePortal(t)
	var calls atomic.Int32
	fp.mux.HandleFunc("/Classes/ClassCalendar/BookClass", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"Tickets":[],"ClassId":1}`)
	})
	c := newTestClient(fp.URL)
	sess := login(t, c)

	o := c.Book(context.Background(), sess, 1)
	assert.Equal(t, Booked{}, o)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), fp.logins.Load())
	assert.Equal(t, "token-2", sess.Token)
}

func TestBookRefreshFailureIsPermanent(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/Login":
			if logins.Add(1) > 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("jwt-token", "tok")
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)
	sess := login(t, c)

	assert.Equal(t, PermanentFailure{Reason: ReasonAuth}, c.Book(context.Background(), sess, 1))
	assert.Equal(t, "tok", sess.Token)

	_, err := c.GetClass(context.Background(), sess, 1)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestBookTimeoutIsTransient(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/BookClass", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	c := New(Options{BaseURL: fp.URL, ClubID: 1, Email: "e", Password: "password123", Timeout: 50 * time.Millisecond})
	sess := login(t, c)

	assert.Equal(t, TransientFailure{Reason: ReasonTimeout}, c.Book(context.Background(), sess, 1))
}

func TestBookCompletesAfterCancellation(t *testing.T) {
	fp := newFakePortal(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fp.mux.HandleFunc("/Classes/ClassCalendar/BookClass", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, `{"Tickets":[{"Name":"Yoga","StartTime":"2025-01-20T09:00:00"}]}`)
	})
	c := newTestClient(fp.URL)
	sess := login(t, c)

	o := c.Book(ctx, sess, 1)
	assert.Equal(t, "Yoga", o.(Booked).Name)
}

func TestJoinWaitlist(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/JoinStandByQueue", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	fp.mux.HandleFunc("/Classes/ClassCalendar/Details", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Id":7,"Name":"Yoga","Status":"Awaiting","StartTime":"2025-02-01T10:30:00",
			"Users":[{"Status":"Awaiting","StandByQueueNumber":4,"User":{"IsCurrentUser":true}}]}`)
	})
	c := newTestClient(fp.URL)

	assert.Equal(t, Waitlisted{Position: 4}, c.JoinWaitlist(context.Background(), login(t, c), 7))
}

func TestJoinWaitlistClosed(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/JoinStandByQueue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `StandByQueueIsClosed`)
	})
	c := newTestClient(fp.URL)

	assert.Equal(t, PermanentFailure{Reason: ReasonWaitlistClosed}, c.JoinWaitlist(context.Background(), login(t, c), 7))
}

func TestCancelBooking(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/CancelBooking", func(w http.ResponseWriter, r *http.Request) {
		var req classRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ClassID != 999 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "Cannot cancel")
		}
	})
	c := newTestClient(fp.URL)
	sess := login(t, c)

	require.NoError(t, c.CancelBooking(context.Background(), sess, 999))

	err := c.CancelBooking(context.Background(), sess, 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "Cannot cancel", se.Body)
}

func TestQueryServerErrorIsNetwork(t *testing.T) {
	fp := newFakePortal(t)
	fp.mux.HandleFunc("/Classes/ClassCalendar/WeeklyClasses", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(fp.URL)

	_, err := c.GetClasses(context.Background(), login(t, c), NextDays(time.Now(), 7))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestMyBookings(t *testing.T) {
	fp := newFakePortal(t)
	start := time.Now().UTC().Add(48 * time.Hour).Format(timeLayout)
	fp.mux.HandleFunc("/Classes/ClassCalendar/WeeklyClasses", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"CalendarData":[{"ZoneName":"A","ClassesPerHour":[{"ClassesPerDay":[[
			{"Id":1,"Name":"Yoga","StartTime":"`+start+`","Status":"Booked"},
			{"Id":2,"Name":"Spin","StartTime":"`+start+`","Status":"Bookable"},
			{"Id":3,"Name":"HIIT","StartTime":"`+start+`","Status":"Awaiting"}
		]]}]}]}`)
	})
	fp.mux.HandleFunc("/Classes/ClassCalendar/Details", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("classId") != "3" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"Id":3,"Name":"HIIT","Status":"Awaiting","StartTime":"`+start+`",
			"Users":[{"Status":"Awaiting","StandByQueueNumber":2,"User":{"IsCurrentUser":true}}]}`)
	})
	c := newTestClient(fp.URL)

	got, err := c.MyBookings(context.Background(), login(t, c), 14)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
	assert.Equal(t, 2, got[1].WaitlistPosition)
	assert.Equal(t, "A", got[1].Zone)
}

func TestUrgentContext(t *testing.T) {
	assert.False(t, IsUrgent(context.Background()))
	assert.True(t, IsUrgent(Urgent(context.Background())))
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(200*time.Millisecond, 500*time.Millisecond)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0, 0))
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "booked", Label(Booked{}))
	assert.Equal(t, "waitlisted", Label(Waitlisted{Position: 2}))
	assert.Equal(t, "transient", Label(TransientFailure{}))
	assert.Equal(t, "permanent", Label(PermanentFailure{}))
	assert.Equal(t, "full", Label(ClassFull{}))
	assert.Equal(t, "not_yet_open", Label(NotYetOpen{}))
	assert.True(t, IsSuccess(Waitlisted{}))
	assert.False(t, IsSuccess(PermanentFailure{}))
	assert.Equal(t, "waitlisted at position 2", Waitlisted{Position: 2}.String())
}
