package ridewatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if json.Unmarshal(body, apiErr) != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = status
	return apiErr
}

// Role is the kind of actor using the client.
type Role string

const (
	RoleRider  Role = "RIDER"
	RoleDriver Role = "DRIVER"
)

// ParseRole accepts rider/driver in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleRider:
		return RoleRider, nil
	case RoleDriver:
		return RoleDriver, nil
	}
	return "", fmt.Errorf("unknown role %q (valid: rider, driver)", s)
}

// ============================================================================
// Trip Types
// ============================================================================

// TripStatus values used by the backend.
const (
	TripRequested  = "REQUESTED"
	TripAccepted   = "ACCEPTED"
	TripArrived    = "ARRIVED"
	TripInProgress = "IN_PROGRESS"
	TripCompleted  = "COMPLETED"
	TripCancelled  = "CANCELLED"
)

type TripRequest struct {
	PickupLat  float64 `json:"pickupLat"`
	PickupLng  float64 `json:"pickupLng"`
	DropoffLat float64 `json:"dropoffLat"`
	DropoffLng float64 `json:"dropoffLng"`
}

type Trip struct {
	ID         string   `json:"id"`
	RiderID    string   `json:"riderId"`
	DriverID   string   `json:"driverId,omitempty"`
	Status     string   `json:"status"`
	PickupLat  float64  `json:"pickupLat"`
	PickupLng  float64  `json:"pickupLng"`
	DropoffLat float64  `json:"dropoffLat"`
	DropoffLng float64  `json:"dropoffLng"`
	Fare       *float64 `json:"fare,omitempty"`
	CreatedAt  string   `json:"createdAt"`
}

type TripStatusUpdate struct {
	Status string `json:"status"`
}

// TripRating is a 1 to 5 rating with an optional comment.
type TripRating struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// ============================================================================
// Driver & Location Types
// ============================================================================

// DriverStatus is a driver's availability.
type DriverStatus string

const (
	DriverOnline  DriverStatus = "ONLINE"
	DriverOffline DriverStatus = "OFFLINE"
)

type DriverStatusUpdate struct {
	DriverID string       `json:"driverId"`
	Status   DriverStatus `json:"status"`
}

type DriverStatusResult struct {
	Status string `json:"status"`
}

// LocationUpdate is one position report from a driver.
type LocationUpdate struct {
	DriverID  string   `json:"driverId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	TripID    string   `json:"tripId,omitempty"`
	Timestamp string   `json:"timestamp"`
}

type DriverLocation struct {
	DriverID    string   `json:"driverId"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Heading     *float64 `json:"heading,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
}

// ============================================================================
// User Types
// ============================================================================

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
	// Driver-only fields.
	LicenceNumber string `json:"licence_number,omitempty"`
	VehicleInfo   string `json:"vehicle_info,omitempty"`
}

type RegisterResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
	Token string `json:"token,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  UserProfile `json:"user"`
}

type UserProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Role  Role   `json:"role"`
}

// ProfileUpdate changes only the non-empty fields.
type ProfileUpdate struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
