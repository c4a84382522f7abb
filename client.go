// Package ridewatch is a Go client for the ride-hailing backend: thin REST
// wrappers for trips, drivers, locations and users, plus a resilient
// realtime event channel that keeps riders and drivers in sync with
// server-pushed trip, status and location events.
//
// Example:
//
//	client := ridewatch.NewClient(
//		ridewatch.WithBaseURL("http://localhost:8090"),
//		ridewatch.WithIdentity(ridewatch.RoleRider, "rider-42"),
//	)
//
//	trip, _ := client.Trips.Request(ctx, &ridewatch.TripRequest{...})
//
//	sess := client.Realtime.NewSession(nil)
//	defer sess.Close()
//	sess.OnLocation(func(e ridewatch.LocationEvent) { ... })
//	sess.Activate(ridewatch.TripTrackingPath(trip.ID), client.Realtime.Params())
package ridewatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "http://localhost:8090"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL     string
	realtimeURL string
	role        Role
	userID      string
	token       string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	breakerCfg  gobreaker.Settings
	logger      *slog.Logger

	Trips     *TripsClient
	Drivers   *DriversClient
	Locations *LocationsClient
	Users     *UsersClient
	Realtime  *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithRealtimeURL overrides the realtime endpoint, which otherwise follows
// the base URL with its scheme rewritten to ws(s).
func WithRealtimeURL(url string) ClientOption {
	return func(c *Client) { c.realtimeURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithIdentity sets the acting user. The id travels as the userId query
// parameter on REST calls and as driverId/riderId on realtime paths.
func WithIdentity(role Role, userID string) ClientOption {
	return func(c *Client) {
		c.role = role
		c.userID = userID
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithBreakerSettings replaces the circuit breaker settings. Name is kept
// as given.
func WithBreakerSettings(settings gobreaker.Settings) ClientOption {
	return func(c *Client) { c.breakerCfg = settings }
}

// NewClient creates a REST + realtime client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	c.breakerCfg = gobreaker.Settings{
		Name:        "ridewatch-rest",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breakerCfg.OnStateChange == nil {
		logger := c.logger
		c.breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("rest circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker(c.breakerCfg)

	c.Trips = &TripsClient{client: c}
	c.Drivers = &DriversClient{client: c}
	c.Locations = &LocationsClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken sets or updates the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// UserID returns the acting user id.
func (c *Client) UserID() string { return c.userID }

// Role returns the acting user's role.
func (c *Client) Role() Role { return c.role }

// ============================================================================
// Internal request helper
// ============================================================================

type httpResult struct {
	status int
	body   []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	params := url.Values{}
	for k, v := range query {
		params[k] = v
	}
	if c.userID != "" && params.Get("userId") == "" {
		params.Set("userId", c.userID)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Only transport failures and 5xx count against the breaker.
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, newAPIError(resp.StatusCode, data)
		}
		return &httpResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return nil, err
	}

	res := out.(*httpResult)
	if res.status >= http.StatusMultipleChoices {
		return nil, newAPIError(res.status, res.body)
	}
	return res.body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values) (*T, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Trips
// ============================================================================

type TripsClient struct{ client *Client }

// Request asks for a new trip.
func (t *TripsClient) Request(ctx context.Context, req *TripRequest) (*Trip, error) {
	return do[Trip](ctx, t.client, http.MethodPost, "/api/trips/request", req, nil)
}

// Accept is called by a driver taking an offered trip.
func (t *TripsClient) Accept(ctx context.Context, tripID string) (*Trip, error) {
	return do[Trip](ctx, t.client, http.MethodPost, "/api/trips/"+url.PathEscape(tripID)+"/accept", nil, nil)
}

// UpdateStatus transitions a trip (arrived, started, completed).
func (t *TripsClient) UpdateStatus(ctx context.Context, tripID, status string) (*Trip, error) {
	return do[Trip](ctx, t.client, http.MethodPut, "/api/trips/"+url.PathEscape(tripID)+"/status",
		&TripStatusUpdate{Status: status}, nil)
}

func (t *TripsClient) Get(ctx context.Context, tripID string) (*Trip, error) {
	return do[Trip](ctx, t.client, http.MethodGet, "/api/trips/"+url.PathEscape(tripID), nil, nil)
}

// History lists the acting user's trips.
func (t *TripsClient) History(ctx context.Context) ([]Trip, error) {
	trips, err := do[[]Trip](ctx, t.client, http.MethodGet, "/api/trips/history", nil, nil)
	if err != nil {
		return nil, err
	}
	return *trips, nil
}

func (t *TripsClient) Rate(ctx context.Context, tripID string, rating *TripRating) error {
	if rating == nil || rating.Rating < 1 || rating.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5")
	}
	_, err := t.client.doRequest(ctx, http.MethodPost, "/api/trips/"+url.PathEscape(tripID)+"/rate", rating, nil)
	return err
}

func (t *TripsClient) Cancel(ctx context.Context, tripID string) error {
	_, err := t.client.doRequest(ctx, http.MethodPost, "/api/trips/"+url.PathEscape(tripID)+"/cancel", nil, nil)
	return err
}

// ============================================================================
// Drivers
// ============================================================================

type DriversClient struct{ client *Client }

// UpdateStatus sets the acting driver online or offline.
func (d *DriversClient) UpdateStatus(ctx context.Context, status DriverStatus) (*DriverStatusResult, error) {
	if d.client.userID == "" {
		return nil, fmt.Errorf("driver status requires a user id")
	}
	return do[DriverStatusResult](ctx, d.client, http.MethodPut, "/api/drivers/status",
		&DriverStatusUpdate{DriverID: d.client.userID, Status: status}, nil)
}

// ============================================================================
// Locations
// ============================================================================

type LocationsClient struct{ client *Client }

// Update reports one driver position. It satisfies LocationReporter.
func (l *LocationsClient) Update(ctx context.Context, update *LocationUpdate) error {
	_, err := l.client.doRequest(ctx, http.MethodPost, "/api/location/update", update, nil)
	return err
}

// Nearby lists drivers around a point. A zero radius uses the server default.
func (l *LocationsClient) Nearby(ctx context.Context, lat, lng, radius float64) ([]DriverLocation, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	if radius > 0 {
		q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
	}
	locs, err := do[[]DriverLocation](ctx, l.client, http.MethodGet, "/api/location/nearby", nil, q)
	if err != nil {
		return nil, err
	}
	return *locs, nil
}

// Driver returns one driver's last known position.
func (l *LocationsClient) Driver(ctx context.Context, driverID string) (*DriverLocation, error) {
	return do[DriverLocation](ctx, l.client, http.MethodGet, "/api/location/driver/"+url.PathEscape(driverID), nil, nil)
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ client *Client }

func (u *UsersClient) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.Role == RoleDriver && (req.LicenceNumber == "" || req.VehicleInfo == "") {
		return nil, fmt.Errorf("drivers must provide a licence number and vehicle information")
	}
	return do[RegisterResponse](ctx, u.client, http.MethodPost, "/api/users/register", req, nil)
}

func (u *UsersClient) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	return do[LoginResponse](ctx, u.client, http.MethodPost, "/api/auth/login", req, nil)
}

func (u *UsersClient) Me(ctx context.Context) (*UserProfile, error) {
	return do[UserProfile](ctx, u.client, http.MethodGet, "/api/users/me", nil, nil)
}

func (u *UsersClient) UpdateMe(ctx context.Context, update *ProfileUpdate) (*UserProfile, error) {
	return do[UserProfile](ctx, u.client, http.MethodPut, "/api/users/me", update, nil)
}

// ============================================================================
// Realtime Factory
// ============================================================================

// RealtimeClient builds realtime sessions bound to the client's endpoint
// and identity.
type RealtimeClient struct{ client *Client }

// BaseURL returns the realtime endpoint.
func (r *RealtimeClient) BaseURL() string {
	if r.client.realtimeURL != "" {
		return r.client.realtimeURL
	}
	return r.client.baseURL
}

// Params returns the identity query parameters for the acting user.
func (r *RealtimeClient) Params() url.Values {
	return ActorParams(r.client.role, r.client.userID, r.client.token)
}

// URL resolves the realtime address for path with the identity parameters.
func (r *RealtimeClient) URL(path string) string {
	return realtimeURL(r.BaseURL(), path, r.Params())
}

// NewSession creates an inactive Session. Empty BaseURL and Logger in
// config are filled from the client.
func (r *RealtimeClient) NewSession(config *RealtimeConfig) *Session {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = r.BaseURL()
	}
	if cfg.Logger == nil {
		cfg.Logger = r.client.logger
	}
	return NewSession(&cfg)
}

// TrackTrip binds a new Session to the trip's tracking channel until ctx ends.
func (r *RealtimeClient) TrackTrip(ctx context.Context, tripID string, config *RealtimeConfig) *Session {
	s := r.NewSession(config)
	s.Bind(ctx, TripTrackingPath(tripID), r.Params())
	return s
}

// DriverNotifications binds a new Session to the driver offer channel until ctx ends.
func (r *RealtimeClient) DriverNotifications(ctx context.Context, config *RealtimeConfig) *Session {
	s := r.NewSession(config)
	s.Bind(ctx, DriverNotificationsPath, r.Params())
	return s
}
