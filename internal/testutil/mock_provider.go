// Package testutil provides a mock person provider for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// PersonsPath is the provider endpoint served by MockProvider.
const PersonsPath = "/api/v2/persons"

// MockResponse is a scripted provider response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is an httptest server that imitates the person provider.
// Responses are generated deterministically from _seed and _quantity.
type MockProvider struct {
	server *httptest.Server

	mu                sync.Mutex
	handler           http.HandlerFunc
	scripted          map[int64][]MockResponse
	invalidEmailEvery int
	requestCount      int
	seedRequests      map[int64]int
	lastQuery         url.Values
	lastHeader        http.Header
}

// NewMockProvider starts a mock provider.
func NewMockProvider() *MockProvider {
	m := &MockProvider{
		scripted:     make(map[int64][]MockResponse),
		seedRequests: make(map[int64]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// SetHandler replaces the default behaviour for every request.
func (m *MockProvider) SetHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Script queues responses for requests carrying the given seed. Each request
// consumes one response; once the queue is empty the seed is served normally.
func (m *MockProvider) Script(seed int64, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[seed] = append(m.scripted[seed], responses...)
}

// SetInvalidEmailEvery makes every n-th generated person carry an invalid
// email. Zero disables it.
func (m *MockProvider) SetInvalidEmailEvery(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidEmailEvery = n
}

// RequestCount returns the number of requests served.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// SeedRequests returns the number of requests made with seed.
func (m *MockProvider) SeedRequests(seed int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seedRequests[seed]
}

// LastQuery returns the query of the most recent request.
func (m *MockProvider) LastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockProvider) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockProvider) serve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	seed, _ := strconv.ParseInt(query.Get("_seed"), 10, 64)

	m.mu.Lock()
	m.requestCount++
	m.seedRequests[seed]++
	m.lastQuery = query
	m.lastHeader = r.Header.Clone()
	handler := m.handler
	var scripted *MockResponse
	if queue := m.scripted[seed]; len(queue) > 0 {
		scripted = &queue[0]
		m.scripted[seed] = queue[1:]
	}
	invalidEvery := m.invalidEmailEvery
	m.mu.Unlock()

	if handler != nil {
		handler(w, r)
		return
	}
	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}
	if r.URL.Path != PersonsPath {
		http.NotFound(w, r)
		return
	}

	quantity, err := strconv.Atoi(query.Get("_quantity"))
	if err != nil || quantity < 1 || quantity > 1000 {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"Bad Request","code":400}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")
	w.Write(PersonsBody(seed, quantity, invalidEvery))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

type mockAddress struct {
	ID             int     `json:"id"`
	Street         string  `json:"street"`
	StreetName     string  `json:"streetName"`
	BuildingNumber string  `json:"buildingNumber"`
	City           string  `json:"city"`
	Zipcode        string  `json:"zipcode"`
	Country        string  `json:"country"`
	CountryCode    string  `json:"country_code"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

type mockPerson struct {
	ID        int         `json:"id"`
	Firstname string      `json:"firstname"`
	Lastname  string      `json:"lastname"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone"`
	Birthday  string      `json:"birthday"`
	Gender    string      `json:"gender"`
	Address   mockAddress `json:"address"`
	Website   string      `json:"website"`
	Image     string      `json:"image"`
}

var (
	mockDomains   = []string{"gmail.com", "example.com", "web.de"}
	mockCountries = []struct{ name, code, city string }{
		{"Germany", "DE", "Berlin"},
		{"France", "FR", "Paris"},
		{"Spain", "ES", "Madrid"},
		{"Germany", "DE", "Hamburg"},
	}
)

func newMockPerson(seed int64, i, invalidEvery int) mockPerson {
	s := int(seed % 1000)
	if s < 0 {
		s = -s
	}
	country := mockCountries[(s+i)%len(mockCountries)]
	email := fmt.Sprintf("person%d.%d@%s", s, i, mockDomains[(s+i)%len(mockDomains)])
	if invalidEvery > 0 && i%invalidEvery == 0 {
		email = "not-an-email"
	}
	gender := "male"
	if i%2 == 0 {
		gender = "female"
	}

	return mockPerson{
		ID:        i,
		Firstname: fmt.Sprintf("First%d", i),
		Lastname:  fmt.Sprintf("Last%d", s),
		Email:     email,
		Phone:     fmt.Sprintf("+49%09d", s*1000+i),
		Birthday:  fmt.Sprintf("%04d-%02d-%02d", 1900+(s*7+i*13)%120, 1+i%12, 1+i%28),
		Gender:    gender,
		Address: mockAddress{
			ID:             i,
			Street:         fmt.Sprintf("%d Main Street", i),
			StreetName:     "Main Street",
			BuildingNumber: strconv.Itoa(i),
			City:           country.city,
			Zipcode:        fmt.Sprintf("%05d", 10000+i),
			Country:        country.name,
			CountryCode:    country.code,
			Latitude:       float64(i%90) + 0.5,
			Longitude:      float64(i%180) + 0.25,
		},
		Website: "http://example.org",
		Image:   "http://placeimg.com/640/480/people",
	}
}

// PersonsBody renders the provider envelope for seed and quantity.
func PersonsBody(seed int64, quantity, invalidEmailEvery int) []byte {
	data := make([]mockPerson, quantity)
	for i := range data {
		data[i] = newMockPerson(seed, i+1, invalidEmailEvery)
	}

	body, _ := json.Marshal(struct {
		Status string       `json:"status"`
		Code   int          `json:"code"`
		Locale string       `json:"locale"`
		Seed   string       `json:"seed"`
		Total  int          `json:"total"`
		Data   []mockPerson `json:"data"`
	}{
		Status: "OK",
		Code:   http.StatusOK,
		Locale: "en_US",
		Seed:   strconv.FormatInt(seed, 10),
		Total:  quantity,
		Data:   data,
	})
	return body
}

// RateLimitResponse is a 429 with an immediate Retry-After.
func RateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status":"Too Many Requests","code":429}`,
		Headers:    map[string]string{"Retry-After": "0"},
	}
}

// ServerErrorResponse is a 500.
func ServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"status":"Internal Server Error","code":500}`,
	}
}

// NotFoundResponse is a 404.
func NotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"status":"Not Found","code":404}`,
	}
}
