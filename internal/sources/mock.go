package sources

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is a scriptable in-memory source for tests and the driver's -mock
// mode. Unscripted codes succeed with a deterministic synthetic record.
type Mock struct {
	name    string
	timeout time.Duration
	retries int

	mu        sync.Mutex
	failures  map[string]error // permanent failure per code
	failCount map[string]int   // fail first N calls per code, then succeed
	noData    map[string]bool
	delay     time.Duration
	calls     []string
	closed    int
}

func NewMock(name string) *Mock {
	return &Mock{
		name:      name,
		timeout:   2 * time.Second,
		retries:   1,
		failures:  map[string]error{},
		failCount: map[string]int{},
		noData:    map[string]bool{},
	}
}

func (m *Mock) Name() string           { return m.name }
func (m *Mock) Timeout() time.Duration { return m.timeout }
func (m *Mock) Retries() int           { return m.retries }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// CloseCount reports how many times Close ran.
func (m *Mock) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Fail scripts every call for code to fail.
func (m *Mock) Fail(code string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = NewTransportError(m.name, code, "scripted failure", nil)
	}
	m.failures[code] = err
}

// FailTimes scripts the first n calls for code to fail, succeeding after.
func (m *Mock) FailTimes(code string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount[code] = n
}

// NoData scripts code to answer as a non-trading day.
func (m *Mock) NoData(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noData[code] = true
}

// SetDelay makes every call sleep, for timeout and latency tests.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *Mock) SetTimeout(d time.Duration) { m.timeout = d }

func (m *Mock) SetRetries(n int) { m.retries = n }

// Calls returns every code fetched, in call order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) CallCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == code {
			n++
		}
	}
	return n
}

func (m *Mock) fetch(ctx context.Context, code, date string) (*Record, error) {
	m.mu.Lock()
	m.calls = append(m.calls, code)
	delay := m.delay
	err, failed := m.failures[code]
	remaining := m.failCount[code]
	if remaining > 0 {
		m.failCount[code] = remaining - 1
	}
	noData := m.noData[code]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewTimeoutError(m.name, code, ctx.Err())
		}
	}
	if failed {
		return nil, err
	}
	if remaining > 0 {
		return nil, NewTransportError(m.name, code, fmt.Sprintf("scripted failure (%d left)", remaining-1), nil)
	}
	if noData {
		return nil, ErrNoData
	}

	open, high, low := 10.0, 10.5, 9.8
	volume := int64(100000)
	return &Record{
		Code:      code,
		Date:      date,
		Open:      &open,
		High:      &high,
		Low:       &low,
		Close:     10.2,
		Volume:    &volume,
		Name:      "mock-" + code,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (m *Mock) FetchRealtime(ctx context.Context, code string) (*Record, error) {
	return m.fetch(ctx, code, TradingDate(time.Now()))
}

func (m *Mock) FetchHistory(ctx context.Context, code, date string) (*Record, error) {
	return m.fetch(ctx, code, date)
}

// SessionMock wraps Mock with login/logout bookkeeping to exercise the
// session bracket.
type SessionMock struct {
	*Mock

	mu       sync.Mutex
	logins   int
	logouts  int
	loginErr error
}

func NewSessionMock(name string) *SessionMock {
	return &SessionMock{Mock: NewMock(name)}
}

func (s *SessionMock) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginErr != nil {
		return s.loginErr
	}
	s.logins++
	return nil
}

func (s *SessionMock) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

func (s *SessionMock) FailLogin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginErr = err
}

func (s *SessionMock) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *SessionMock) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}
